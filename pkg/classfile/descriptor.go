package classfile

import (
	"fmt"
	"strings"
)

// parameterTypes splits the parameter portion of a method descriptor
// into individual type descriptors.
func parameterTypes(descriptor string) ([]string, error) {
	start := strings.Index(descriptor, "(")
	end := strings.Index(descriptor, ")")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("invalid method descriptor: %s", descriptor)
	}

	params := descriptor[start+1 : end]
	var types []string
	i := 0
	for i < len(params) {
		j := i
		for j < len(params) && params[j] == '[' {
			j++
		}
		if j >= len(params) {
			return nil, fmt.Errorf("invalid type descriptor char '[' at end of %s", descriptor)
		}
		switch params[j] {
		case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
			j++
		case 'L':
			for j < len(params) && params[j] != ';' {
				j++
			}
			if j >= len(params) {
				return nil, fmt.Errorf("unterminated object type in %s", descriptor)
			}
			j++ // skip ';'
		default:
			return nil, fmt.Errorf("invalid type descriptor char '%c' in %s", params[j], descriptor)
		}
		types = append(types, params[i:j])
		i = j
	}
	return types, nil
}

// ParamCount counts the number of parameters in a method descriptor.
func ParamCount(descriptor string) (int, error) {
	types, err := parameterTypes(descriptor)
	if err != nil {
		return 0, err
	}
	return len(types), nil
}

// ArgumentSlotCount returns the number of local-variable slots the
// method's formal parameters occupy: wide types (long, double) take two
// consecutive slots, and instance methods spend slot 0 on the receiver.
func ArgumentSlotCount(descriptor string, static bool) (int32, error) {
	types, err := parameterTypes(descriptor)
	if err != nil {
		return 0, err
	}

	var slots int32
	if !static {
		slots = 1 // receiver
	}
	for _, t := range types {
		if t == "J" || t == "D" {
			slots += 2
		} else {
			slots++
		}
	}
	return slots, nil
}

// VoidReturn reports whether a method descriptor has a void return type.
func VoidReturn(descriptor string) bool {
	return strings.HasSuffix(descriptor, ")V")
}
