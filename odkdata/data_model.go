// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

// Keys of the JSON-schema-like data model handed to form renderers.
const (
	SchemaType               = "type"
	SchemaItems              = "items"
	SchemaProperties         = "properties"
	SchemaElementKey         = "elementKey"
	SchemaElementName        = "elementName"
	SchemaElementPath        = "elementPath"
	SchemaElementType        = "elementType"
	SchemaElementSet         = "elementSet"
	SchemaIsNotNullable      = "isNotNullable"
	SchemaNotUnitOfRetention = "notUnitOfRetention"

	ElementSetData             = "data"
	ElementSetInstanceMetadata = "instanceMetadata"
)

// DataModel derives the nested schema of the user-defined columns, keyed by
// root element name.
func (oc *OrderedColumns) DataModel() map[string]any {
	model := make(map[string]any)
	for _, def := range oc.defs {
		if def.parent != "" {
			continue
		}
		schema := map[string]any{SchemaElementPath: def.ElementName()}
		oc.dataModelNode(schema, def, false)
		model[def.ElementName()] = schema
	}
	return model
}

func (oc *OrderedColumns) dataModelNode(schema map[string]any, def *ColumnDefinition, nested bool) {
	dt := def.elementType.DataType()
	schema[SchemaElementSet] = ElementSetData
	schema[SchemaElementName] = def.ElementName()
	schema[SchemaElementKey] = def.ElementKey()
	if nested {
		schema[SchemaNotUnitOfRetention] = true
	}

	switch dt {
	case DataTypeArray:
		schema[SchemaType] = string(dt)
		if def.elementType.String() != string(dt) {
			schema[SchemaElementType] = def.elementType.String()
		}
		child, _ := oc.Find(def.children[0])
		items := map[string]any{
			SchemaElementPath: schema[SchemaElementPath].(string) + "." + child.ElementName(),
		}
		schema[SchemaItems] = items
		oc.dataModelNode(items, child, true)
	case DataTypeObject:
		schema[SchemaType] = string(dt)
		if def.elementType.String() != string(dt) {
			schema[SchemaElementType] = def.elementType.String()
		}
		props := make(map[string]any, len(def.children))
		for _, k := range def.children {
			child, _ := oc.Find(k)
			item := map[string]any{
				SchemaElementPath: schema[SchemaElementPath].(string) + "." + child.ElementName(),
			}
			oc.dataModelNode(item, child, nested)
			props[child.ElementName()] = item
		}
		schema[SchemaProperties] = props
	case DataTypeConfigPath, DataTypeRowPath:
		schema[SchemaType] = string(DataTypeString)
		schema[SchemaElementType] = def.elementType.String()
	default:
		schema[SchemaType] = string(dt)
		if def.elementType.String() != string(dt) {
			schema[SchemaElementType] = def.elementType.String()
		}
	}
}

// ExtendedDataModel is DataModel plus one entry per administrative column.
func (oc *OrderedColumns) ExtendedDataModel() map[string]any {
	model := oc.DataModel()
	notNullable := map[string]bool{ColID: true, ColSyncState: true}
	for _, name := range adminColumns {
		dt := DataTypeString
		if name == ColConflictType {
			dt = DataTypeInteger
		}
		schema := map[string]any{
			SchemaType:        string(dt),
			SchemaElementSet:  ElementSetInstanceMetadata,
			SchemaElementKey:  name,
			SchemaElementName: name,
			SchemaElementPath: name,
		}
		if notNullable[name] {
			schema[SchemaIsNotNullable] = true
		}
		model[name] = schema
	}
	return model
}
