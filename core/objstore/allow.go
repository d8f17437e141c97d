package objstore

// Wildcard is the allow-rule value matching anything.
const Wildcard = "*"

// AllowRule is one entry of the fine-grained access control table. A
// request is allowed when any rule matches it. String fields may be the
// wildcard "*"; ResourceType, ResourceField and ResourceValue may be
// empty, meaning no constraint.
type AllowRule struct {
	Method        string `json:"method"`
	ClientID      string `json:"client_id"`
	UserID        string `json:"user_id"`
	Subpath       string `json:"subpath"`
	ResourceID    string `json:"resource_id"`
	ResourceType  string `json:"resource_type,omitempty"`
	ResourceField string `json:"resource_field,omitempty"`
	ResourceValue string `json:"resource_value,omitempty"`
}

// AccessParameters describes one incoming request for rule matching.
type AccessParameters struct {
	Method       string
	ClientID     string
	UserID       string
	Subpath      string
	ResourceType string
}

// MatchesRule reports whether the rule allows the request described by
// params for the candidate object with the given keys and flattened
// pairs. The object id and subpath are taken from the keys; every rule
// field must hold for the rule to match.
func (rule AllowRule) MatchesRule(params AccessParameters, keys Keys, pairs []Pair) bool {
	if rule.Method != params.Method {
		return false
	}
	if rule.ClientID != Wildcard && rule.ClientID != params.ClientID {
		return false
	}
	if rule.UserID != Wildcard && rule.UserID != params.UserID {
		return false
	}
	subpath, ok := keys["subpath"]
	if !ok {
		subpath = params.Subpath
	}
	if rule.Subpath != Wildcard && rule.Subpath != subpath {
		return false
	}
	if rule.ResourceID != Wildcard && rule.ResourceID != keys["obj_id"] {
		return false
	}
	if rule.ResourceType != "" && !hasPair(pairs, "type", rule.ResourceType) {
		return false
	}
	if rule.ResourceField != "" {
		if !hasField(pairs, rule.ResourceField) {
			return false
		}
		if rule.ResourceValue != Wildcard && !hasPair(pairs, rule.ResourceField, rule.ResourceValue) {
			return false
		}
	}
	return true
}

func hasField(pairs []Pair, name string) bool {
	for _, pair := range pairs {
		if pair.Name == name {
			return true
		}
	}
	return false
}

func hasPair(pairs []Pair, name, value string) bool {
	for _, pair := range pairs {
		if pair.Name == name && ValueText(pair.Value) == value {
			return true
		}
	}
	return false
}

type accessIsAllowed struct {
	params AccessParameters
	rules  []AllowRule
}

// AccessIsAllowed is the condition holding for objects the request
// described by params may access according to the given allow rules.
// The rules are a snapshot read inside the same transaction; the
// compiled SQL form reads the allow table directly.
func AccessIsAllowed(params AccessParameters, rules []AllowRule) Condition {
	return &accessIsAllowed{params: params, rules: rules}
}

func (a *accessIsAllowed) Matches(keys Keys, pairs []Pair) bool {
	for _, rule := range a.rules {
		if rule.MatchesRule(a.params, keys, pairs) {
			return true
		}
	}
	return false
}

// compileAllow returns an EXISTS filter on the allow table, bound to
// the request parameters and correlated with the objects table alias.
func (a *accessIsAllowed) compileAllow(c *compiler) string {
	o := c.objectsAlias
	return `EXISTS (SELECT 1 FROM ` + c.schema + `."_allow_" acl` +
		` WHERE acl.method = ` + c.bind(a.params.Method) +
		` AND (acl.client_id = '*' OR acl.client_id = ` + c.bind(a.params.ClientID) + `)` +
		` AND (acl.user_id = '*' OR acl.user_id = ` + c.bind(a.params.UserID) + `)` +
		` AND (acl.subpath = '*' OR acl.subpath = ` + o + `.` + c.subpathKey + `)` +
		` AND (acl.resource_id = '*' OR acl.resource_id = ` + o + `.` + c.primaryKey + `)` +
		` AND (acl.resource_type = '' OR acl.resource_type = ` + o + `.body->>'type')` +
		` AND (acl.resource_field = '' OR (` + o + `.body ? acl.resource_field` +
		` AND (acl.resource_value = '*' OR ` + o + `.body->>acl.resource_field = acl.resource_value))))`
}
