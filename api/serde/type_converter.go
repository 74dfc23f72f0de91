// Copyright 2025 The keel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serde

import (
	"fmt"
	"reflect"
)

// TypeConverter converts decoded payload values into the parameter types of
// registered workflow and activity functions. It round-trips through the
// configured BinarySerde for complex types, so conversion behaves the same
// under msgpack and JSON.
type TypeConverter struct {
	serde BinarySerde
}

func NewTypeConverter(s BinarySerde) *TypeConverter {
	return &TypeConverter{serde: s}
}

// ConvertToType converts value to targetType.
func (tc *TypeConverter) ConvertToType(value any, targetType reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(targetType), nil
	}

	valueType := reflect.TypeOf(value)
	if valueType == targetType {
		return reflect.ValueOf(value), nil
	}

	if valueType.ConvertibleTo(targetType) {
		if isNumericKind(valueType.Kind()) && isNumericKind(targetType.Kind()) {
			return tc.convertNumeric(value, valueType, targetType)
		}
		return reflect.ValueOf(value).Convert(targetType), nil
	}

	// Structs, maps and slices arrive as generic containers after decoding;
	// round-trip them through the serializer into the concrete type.
	return tc.convertViaSerializer(value, targetType)
}

// convertNumeric guards the float-to-int path that decoding introduces.
func (tc *TypeConverter) convertNumeric(value any, valueType, targetType reflect.Type) (reflect.Value, error) {
	if valueType.Kind() == reflect.Float64 || valueType.Kind() == reflect.Float32 {
		if isIntegerKind(targetType.Kind()) {
			floatVal := reflect.ValueOf(value).Float()
			intVal := int64(floatVal)
			if float64(intVal) != floatVal {
				return reflect.Value{}, fmt.Errorf("cannot convert %v to %v without losing precision", floatVal, targetType)
			}
			return reflect.ValueOf(intVal).Convert(targetType), nil
		}
	}
	return reflect.ValueOf(value).Convert(targetType), nil
}

func (tc *TypeConverter) convertViaSerializer(value any, targetType reflect.Type) (reflect.Value, error) {
	data, err := tc.serde.SerializeBinary(value)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("failed to serialize value for type conversion: %w", err)
	}

	var targetValue reflect.Value
	if targetType.Kind() == reflect.Ptr {
		targetValue = reflect.New(targetType.Elem())
	} else {
		targetValue = reflect.New(targetType)
	}

	if err := tc.serde.DeserializeBinary(data, targetValue.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to deserialize value to target type: %w", err)
	}

	if targetType.Kind() != reflect.Ptr {
		return targetValue.Elem(), nil
	}
	return targetValue, nil
}

// ConvertInto decodes value into the pointer valuePtr, round-tripping through
// the serializer.
func (tc *TypeConverter) ConvertInto(value any, valuePtr any) error {
	if value == nil {
		return nil
	}
	data, err := tc.serde.SerializeBinary(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value: %w", err)
	}
	if err := tc.serde.DeserializeBinary(data, valuePtr); err != nil {
		return fmt.Errorf("failed to deserialize into target: %w", err)
	}
	return nil
}

func isNumericKind(k reflect.Kind) bool {
	return isIntegerKind(k) || k == reflect.Float32 || k == reflect.Float64
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
