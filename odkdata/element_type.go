// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

import "strings"

// ElementDataType is the storage class every declared element type reduces to.
type ElementDataType string

const (
	DataTypeString     ElementDataType = "string"
	DataTypeInteger    ElementDataType = "integer"
	DataTypeNumber     ElementDataType = "number"
	DataTypeBool       ElementDataType = "bool"
	DataTypeArray      ElementDataType = "array"
	DataTypeObject     ElementDataType = "object"
	DataTypeRowPath    ElementDataType = "rowpath"
	DataTypeConfigPath ElementDataType = "configpath"
)

var knownDataTypes = map[string]ElementDataType{
	string(DataTypeString):     DataTypeString,
	string(DataTypeInteger):    DataTypeInteger,
	string(DataTypeNumber):     DataTypeNumber,
	string(DataTypeBool):       DataTypeBool,
	string(DataTypeArray):      DataTypeArray,
	string(DataTypeObject):     DataTypeObject,
	string(DataTypeRowPath):    DataTypeRowPath,
	string(DataTypeConfigPath): DataTypeConfigPath,
}

// ParseElementDataType returns the data type named by s.
func ParseElementDataType(s string) (ElementDataType, bool) {
	dt, ok := knownDataTypes[s]
	return dt, ok
}

// IsComposite reports whether values of this type are JSON containers.
func (d ElementDataType) IsComposite() bool {
	return d == DataTypeArray || d == DataTypeObject
}

// ElementType is a declared column type. User-defined types take the form
// "name:datatype" (e.g. "date:string"); anything else must be a plain data type
// name or is inferred from the presence of children.
type ElementType struct {
	declared string
	dataType ElementDataType
}

// ParseElementType interprets a declared type string.
func ParseElementType(declared string, hasChildren bool) ElementType {
	if dt, ok := knownDataTypes[declared]; ok {
		return ElementType{declared: declared, dataType: dt}
	}
	if idx := strings.LastIndex(declared, ":"); idx >= 0 {
		if dt, ok := knownDataTypes[declared[idx+1:]]; ok {
			return ElementType{declared: declared, dataType: dt}
		}
	}
	if hasChildren {
		return ElementType{declared: declared, dataType: DataTypeObject}
	}
	return ElementType{declared: declared, dataType: DataTypeString}
}

// DataType returns the storage class.
func (e ElementType) DataType() ElementDataType { return e.dataType }

// String returns the type exactly as declared.
func (e ElementType) String() string { return e.declared }

// IsUserDefined reports whether the declaration is not a bare data type name.
func (e ElementType) IsUserDefined() bool {
	_, ok := knownDataTypes[e.declared]
	return !ok
}
