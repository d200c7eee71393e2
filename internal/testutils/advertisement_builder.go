package testutils

import (
	"github.com/go-ble/ble"
)

// AdvertisementBuilder builds mocked BLE advertisements for scan tests.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	connectable bool
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{rssi: -50, connectable: true}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs, short ("180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// Build creates a MockAdvertisement implementing ble.Advertisement.
func (b *AdvertisementBuilder) Build() *MockAdvertisement {
	adv := &MockAdvertisement{}

	addr := &MockAddr{}
	addr.On("String").Return(b.address).Maybe()
	adv.On("Addr").Return(addr).Maybe()
	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()

	var uuids []ble.UUID
	for _, s := range b.services {
		uuids = append(uuids, ble.MustParse(s))
	}
	adv.On("Services").Return(uuids).Maybe()
	adv.On("Connectable").Return(b.connectable).Maybe()
	return adv
}

// AdvertisementArrayBuilder collects advertisements and returns to a parent builder T.
//
//	peripheral := NewPeripheralDeviceBuilder().
//	    WithScanAdvertisements().
//	        WithNewAdvertisement().WithName("DINO-QA-01").WithAddress("AA:BB:CC:DD:EE:FF").Build().
//	        Build().
//	    Build()
type AdvertisementArrayBuilder[T any] struct {
	advertisements []ble.Advertisement
	parent         T
	buildFunc      func(T, []ble.Advertisement) T
}

// NewAdvertisementArrayBuilder creates a standalone array builder.
func NewAdvertisementArrayBuilder[T any]() *AdvertisementArrayBuilder[T] {
	return &AdvertisementArrayBuilder[T]{}
}

// WithAdvertisements appends pre-built advertisements.
func (ab *AdvertisementArrayBuilder[T]) WithAdvertisements(ads ...ble.Advertisement) *AdvertisementArrayBuilder[T] {
	ab.advertisements = append(ab.advertisements, ads...)
	return ab
}

// WithNewAdvertisement starts a new advertisement; its Build returns to this array builder.
func (ab *AdvertisementArrayBuilder[T]) WithNewAdvertisement() *AdvertisementArrayBuilderItem[T] {
	return &AdvertisementArrayBuilderItem[T]{AdvertisementBuilder: NewAdvertisementBuilder(), parent: ab}
}

// Build returns the parent when attached, otherwise the advertisements as T.
func (ab *AdvertisementArrayBuilder[T]) Build() T {
	if ab.buildFunc != nil {
		return ab.buildFunc(ab.parent, ab.advertisements)
	}
	var result any = ab.advertisements
	return result.(T)
}

// AdvertisementArrayBuilderItem is an AdvertisementBuilder bound to an array builder.
type AdvertisementArrayBuilderItem[T any] struct {
	*AdvertisementBuilder
	parent *AdvertisementArrayBuilder[T]
}

// Build adds the advertisement to the parent array and returns the array builder
func (abi *AdvertisementArrayBuilderItem[T]) Build() *AdvertisementArrayBuilder[T] {
	abi.parent.advertisements = append(abi.parent.advertisements, abi.AdvertisementBuilder.Build())
	return abi.parent
}

// WithName sets the local name and keeps the item type for chaining.
func (abi *AdvertisementArrayBuilderItem[T]) WithName(name string) *AdvertisementArrayBuilderItem[T] {
	abi.AdvertisementBuilder.WithName(name)
	return abi
}

// WithAddress sets the address and keeps the item type for chaining.
func (abi *AdvertisementArrayBuilderItem[T]) WithAddress(addr string) *AdvertisementArrayBuilderItem[T] {
	abi.AdvertisementBuilder.WithAddress(addr)
	return abi
}

// WithRSSI sets the RSSI and keeps the item type for chaining.
func (abi *AdvertisementArrayBuilderItem[T]) WithRSSI(rssi int) *AdvertisementArrayBuilderItem[T] {
	abi.AdvertisementBuilder.WithRSSI(rssi)
	return abi
}

// WithServices sets advertised services and keeps the item type for chaining.
func (abi *AdvertisementArrayBuilderItem[T]) WithServices(uuids ...string) *AdvertisementArrayBuilderItem[T] {
	abi.AdvertisementBuilder.WithServices(uuids...)
	return abi
}
