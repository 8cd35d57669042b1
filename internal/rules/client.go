package rules

// AttributeKind describes the value type of a client attribute.
type AttributeKind int

const (
	KindString AttributeKind = iota
	KindInteger
)

// ClientSchema lists the client attributes rules may reference.
// Rule construction rejects any attribute outside this schema.
var ClientSchema = map[string]AttributeKind{
	"hostname":      KindString,
	"os":            KindString,
	"os_version":    KindString,
	"agent_version": KindString,
	"install_time":  KindInteger,
	"memory_mb":     KindInteger,
	"clock":         KindInteger,
}

// ClientRecord is the read-only view of an agent the foreman evaluates
// rules against. Attribute maps are populated by the fleet layer; missing
// attributes simply fail to match.
type ClientRecord struct {
	ID      string            `json:"id"`
	Strings map[string]string `json:"strings,omitempty"`
	Ints    map[string]int64  `json:"ints,omitempty"`
}

// StringAttr returns the named string attribute, if set.
func (c ClientRecord) StringAttr(name string) (string, bool) {
	v, ok := c.Strings[name]
	return v, ok
}

// IntAttr returns the named integer attribute, if set.
func (c ClientRecord) IntAttr(name string) (int64, bool) {
	v, ok := c.Ints[name]
	return v, ok
}
