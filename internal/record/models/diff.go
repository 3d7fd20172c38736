package models

import (
	"bytes"
	"encoding/json"
)

// Change is one monitored section whose value differs between two states.
type Change struct {
	Section Section         `json:"section"`
	Value   json.RawMessage `json:"value"`
}

// Diff lists the monitored sections that differ between old and next, in
// MonitoredSections order. A nil old is a create: every non-null monitored
// section counts. Values are compared structurally via their canonical form.
// A removed section is reported with a null value.
func Diff(old, next Sections) ([]Change, error) {
	var changes []Change
	for _, name := range MonitoredSections {
		newRaw, hasNew := next[name]
		hasNew = hasNew && !IsNull(newRaw)

		if old == nil {
			if hasNew {
				changes = append(changes, Change{Section: name, Value: newRaw})
			}
			continue
		}

		oldRaw, hasOld := old[name]
		hasOld = hasOld && !IsNull(oldRaw)

		switch {
		case !hasOld && !hasNew:
			continue
		case hasOld != hasNew:
			value := newRaw
			if !hasNew {
				value = json.RawMessage("null")
			}
			changes = append(changes, Change{Section: name, Value: value})
		default:
			equal, err := structurallyEqual(oldRaw, newRaw)
			if err != nil {
				return nil, err
			}
			if !equal {
				changes = append(changes, Change{Section: name, Value: newRaw})
			}
		}
	}
	return changes, nil
}

func structurallyEqual(a, b json.RawMessage) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
