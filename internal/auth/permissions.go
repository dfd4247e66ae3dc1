package auth

import "strings"

// Capability is an opaque permission token stored on a role.
type Capability string

const (
	CapReadUser  Capability = "read_user"
	CapWriteUser Capability = "write_user"
	CapReadRole  Capability = "read_role"
	CapWriteRole Capability = "write_role"
)

// BuiltinCapabilities lists every capability the decision table can require.
var BuiltinCapabilities = []Capability{CapReadUser, CapWriteUser, CapReadRole, CapWriteRole}

// Resource is the kind of record an operation touches.
type Resource uint8

const (
	ResourceUser Resource = iota + 1
	ResourceRole
	resourceLimit
)

// Verb is the method-like action performed on a resource.
type Verb uint8

const (
	VerbGet Verb = iota + 1
	VerbPost
	VerbPut
	VerbPatch
	verbLimit
)

// capabilityTable maps resource × verb to the capability it requires.
// Unlisted pairs map to the empty capability, which no role can hold.
var capabilityTable = [resourceLimit][verbLimit]Capability{
	ResourceUser: {
		VerbGet:   CapReadUser,
		VerbPost:  CapWriteUser,
		VerbPut:   CapWriteUser,
		VerbPatch: CapWriteUser,
	},
	ResourceRole: {
		VerbGet:   CapReadRole,
		VerbPost:  CapWriteRole,
		VerbPut:   CapWriteRole,
		VerbPatch: CapWriteRole,
	},
}

// RequiredCapability returns the capability needed for verb on resource.
func RequiredCapability(resource Resource, verb Verb) (Capability, bool) {
	if resource == 0 || resource >= resourceLimit || verb == 0 || verb >= verbLimit {
		return "", false
	}
	c := capabilityTable[resource][verb]
	return c, c != ""
}

func (r Resource) String() string {
	switch r {
	case ResourceUser:
		return "user"
	case ResourceRole:
		return "role"
	default:
		return "unknown"
	}
}

// ParseResource accepts "user" or "role".
func ParseResource(s string) (Resource, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return ResourceUser, true
	case "role":
		return ResourceRole, true
	default:
		return 0, false
	}
}

func (v Verb) String() string {
	switch v {
	case VerbGet:
		return "GET"
	case VerbPost:
		return "POST"
	case VerbPut:
		return "PUT"
	case VerbPatch:
		return "PATCH"
	default:
		return "UNKNOWN"
	}
}

// ParseVerb maps an HTTP method to a verb. HEAD is treated as GET.
func ParseVerb(method string) (Verb, bool) {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case "GET", "HEAD":
		return VerbGet, true
	case "POST":
		return VerbPost, true
	case "PUT":
		return VerbPut, true
	case "PATCH":
		return VerbPatch, true
	default:
		return 0, false
	}
}
