//go:build debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the default number of bytes of padding placed on each side of an allocation in blocks
	// managed by memutils
	DebugMargin int = 16
	// corruptionDetectionMagicValue is a 4-byte pattern copied into the margins around allocations
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// CorruptionDetectionEnabled is true when margins are filled with magic values and checked on free
const CorruptionDetectionEnabled = true

// WriteMagicValue writes an easy-to-identify marker across margin bytes at the provided pointer and offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int, margin int) {
	dest := unsafe.Add(data, offset)
	count := margin / MagicValueSize
	for i := 0; i < count; i++ {
		*(*uint32)(dest) = corruptionDetectionMagicValue
		dest = unsafe.Add(dest, MagicValueSize)
	}
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int, margin int) bool {
	source := unsafe.Add(data, offset)
	count := margin / MagicValueSize
	for i := 0; i < count; i++ {
		if *(*uint32)(source) != corruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, MagicValueSize)
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
