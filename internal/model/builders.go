package model

import "time"

// OrderBuilder assembles an Order and validates it on Build.
type OrderBuilder struct{ o Order }

func NewOrder(id string) *OrderBuilder {
	return &OrderBuilder{o: Order{ID: id}}
}

func (b *OrderBuilder) Customer(c string) *OrderBuilder {
	b.o.Customer = c
	return b
}

func (b *OrderBuilder) At(p Point) *OrderBuilder {
	b.o.Location = p
	return b
}

func (b *OrderBuilder) Volume(v float64) *OrderBuilder {
	b.o.Volume = v
	return b
}

func (b *OrderBuilder) Registered(t time.Time) *OrderBuilder {
	b.o.RegisteredAt = t
	return b
}

func (b *OrderBuilder) DeadlineHours(h float64) *OrderBuilder {
	b.o.DeadlineHours = h
	return b
}

func (b *OrderBuilder) Build() (Order, error) {
	if err := b.o.Validate(); err != nil {
		return Order{}, err
	}
	return b.o, nil
}

// MustBuild panics on invalid input; meant for fixtures and tests.
func (b *OrderBuilder) MustBuild() Order {
	o, err := b.Build()
	if err != nil {
		panic(err)
	}
	return o
}

// VehicleBuilder assembles a Vehicle and validates it on Build.
type VehicleBuilder struct{ v Vehicle }

func NewVehicle(id string) *VehicleBuilder {
	return &VehicleBuilder{v: Vehicle{ID: id, Speed: 50}}
}

func (b *VehicleBuilder) Type(t string) *VehicleBuilder {
	b.v.Type = t
	return b
}

func (b *VehicleBuilder) Capacity(c float64) *VehicleBuilder {
	b.v.Capacity = c
	return b
}

func (b *VehicleBuilder) FuelTank(f float64) *VehicleBuilder {
	b.v.FuelTank = f
	return b
}

func (b *VehicleBuilder) TareWeight(t float64) *VehicleBuilder {
	b.v.TareWeight = t
	return b
}

func (b *VehicleBuilder) Speed(s float64) *VehicleBuilder {
	b.v.Speed = s
	return b
}

func (b *VehicleBuilder) At(p Point) *VehicleBuilder {
	b.v.Location = p
	return b
}

func (b *VehicleBuilder) Build() (Vehicle, error) {
	if err := b.v.Validate(); err != nil {
		return Vehicle{}, err
	}
	return b.v, nil
}

func (b *VehicleBuilder) MustBuild() Vehicle {
	v, err := b.Build()
	if err != nil {
		panic(err)
	}
	return v
}
