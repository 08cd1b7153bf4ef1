package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Value is a milestone value: either a discrete boolean milestone or a
// partial-progress percentage in [0, 100]. On the wire it is encoded as
// a bare JSON bool or number, matching what the milestone forms submit.
type Value struct {
	boolVal    *bool
	percentVal *int
}

func BoolValue(v bool) Value {
	return Value{boolVal: &v}
}

func PercentValue(v int) Value {
	return Value{percentVal: &v}
}

// IsZero reports whether the value was never set.
func (v Value) IsZero() bool {
	return v.boolVal == nil && v.percentVal == nil
}

func (v Value) Bool() (bool, bool) {
	if v.boolVal == nil {
		return false, false
	}
	return *v.boolVal, true
}

func (v Value) Percent() (int, bool) {
	if v.percentVal == nil {
		return 0, false
	}
	return *v.percentVal, true
}

// Validate checks that exactly one kind is set and a percentage is
// within [0, 100].
func (v Value) Validate() error {
	switch {
	case v.boolVal == nil && v.percentVal == nil:
		return errors.New("value is required")
	case v.boolVal != nil && v.percentVal != nil:
		return errors.New("value must be a single boolean or percentage")
	case v.percentVal != nil && (*v.percentVal < 0 || *v.percentVal > 100):
		return fmt.Errorf("percent value %d out of range [0, 100]", *v.percentVal)
	}
	return nil
}

func (v Value) String() string {
	switch {
	case v.boolVal != nil:
		return strconv.FormatBool(*v.boolVal)
	case v.percentVal != nil:
		return strconv.Itoa(*v.percentVal)
	}
	return "<unset>"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.boolVal != nil:
		return json.Marshal(*v.boolVal)
	case v.percentVal != nil:
		return json.Marshal(*v.percentVal)
	}
	return nil, errors.New("cannot marshal unset value")
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		v.boolVal = &b
		v.percentVal = nil
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 0 || n > 100 {
			return fmt.Errorf("percent value %d out of range [0, 100]", n)
		}
		v.percentVal = &n
		v.boolVal = nil
		return nil
	}

	return errors.New("value must be a boolean or an integer percentage")
}
