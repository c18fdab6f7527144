package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/churnguard/eventcore/event"
)

// PassesFilters evaluates every filter rule against the record's fields.
// All rules must pass. A record failing a filter is dropped without error.
func PassesFilters(record *event.NormalizedRecord, rules []event.FilterRule) bool {
	for _, rule := range rules {
		if !passes(record, rule) {
			return false
		}
	}
	return true
}

func passes(record *event.NormalizedRecord, rule event.FilterRule) bool {
	value, ok := lookupField(record, rule.Field)
	if !ok {
		return false
	}

	switch rule.Operator {
	case "equals":
		return asString(value) == asString(rule.Value)
	case "contains":
		return strings.Contains(asString(value), asString(rule.Value))
	case "range":
		n, ok := asNumber(value)
		if !ok {
			return false
		}
		if rule.Min != nil && n < *rule.Min {
			return false
		}
		if rule.Max != nil && n > *rule.Max {
			return false
		}
		return true
	default:
		// Unknown operators reject rather than silently pass
		return false
	}
}

// lookupField resolves a field name against the record, supporting the
// well-known metadata names alongside payload fields.
func lookupField(record *event.NormalizedRecord, name string) (any, bool) {
	switch name {
	case "event_type":
		return record.EventType, true
	case "provider":
		return record.Provider, true
	case "organization_id":
		return record.OrganizationID, true
	}
	v, ok := record.Fields[name]
	return v, ok
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		n, err := strconv.ParseFloat(val, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
