// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package vartype

import (
	"fmt"
)

// Unset is the string representation of a Variable that holds no value.
const Unset = "unset"

// VarBool is a type alias for Variable[bool], representing a boolean value with initialization tracking.
type VarBool = Variable[bool]

// Variable represents a generic type wrapper that holds an optional value. A Variable is either
// unset or holds exactly one value; setting it again replaces the previous value.
type Variable[T any] struct {
	value T
	isset bool
}

// NewVariable creates and returns a new Variable instance initialized with the provided value.
func NewVariable[T any](value T) Variable[T] {
	return Variable[T]{
		isset: true,
		value: value,
	}
}

// Reset clears the value of the Variable and marks it as uninitialized.
func (v *Variable[T]) Reset() {
	var newVal T
	v.value = newVal
	v.isset = false
}

// Value retrieves the current value stored in the Variable.
func (v *Variable[T]) Value() T {
	return v.value
}

// Get returns the stored value and whether the Variable is set.
func (v *Variable[T]) Get() (T, bool) {
	return v.value, v.isset
}

// Set assigns the provided value to the Variable and marks it as initialized.
func (v *Variable[T]) Set(val T) {
	v.value = val
	v.isset = true
}

// IsSet returns true if the Variable has been initialized with a value, otherwise false.
func (v *Variable[T]) IsSet() bool {
	return v.isset
}

// String returns a string representation of the Variable or Unset if it holds no value.
func (v Variable[T]) String() string {
	if !v.isset {
		return Unset
	}
	return fmt.Sprint(v.value)
}
