package device

import "strings"

// Property is the GATT characteristic property bitmask.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
	PropSignedWrite          Property = 0x40
	PropExtended             Property = 0x80
)

var propertyNames = []struct {
	flag Property
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteWithoutResponse, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropSignedWrite, "AuthenticatedSignedWrites"},
	{PropExtended, "ExtendedProperties"},
}

// Has reports whether every flag in f is set.
func (p Property) Has(f Property) bool {
	return p&f == f
}

func (p Property) Readable() bool { return p.Has(PropRead) }

func (p Property) Writable() bool { return p.Has(PropWrite) }

func (p Property) WritableWithoutResponse() bool { return p.Has(PropWriteWithoutResponse) }

// Observable reports whether the characteristic supports notifications or indications.
func (p Property) Observable() bool { return p&(PropNotify|PropIndicate) != 0 }

// Names returns the known names of the set flags in bit order.
func (p Property) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.flag != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Property) String() string {
	return strings.Join(p.Names(), ",")
}

// ParseProperties parses a comma-separated list such as "read,write,notify".
// Unknown names are ignored.
func ParseProperties(s string) Property {
	var p Property
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "broadcast":
			p |= PropBroadcast
		case "read":
			p |= PropRead
		case "write-without-response", "writewithoutresponse", "write_nr", "writenr":
			p |= PropWriteWithoutResponse
		case "write":
			p |= PropWrite
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		case "signed-write", "authenticatedsignedwrites":
			p |= PropSignedWrite
		case "extended", "extendedproperties":
			p |= PropExtended
		}
	}
	return p
}
