package layout

// CodeRegistration is the root table of compiled code pointers.
var CodeRegistration = &Layout{Name: "Il2CppCodeRegistration", Fields: []Field{
	{Name: "methodPointersCount", Kind: Ptr, Max: 24.1},
	{Name: "methodPointers", Kind: Ptr, Max: 24.1},
	{Name: "delegateWrappersFromNativeToManagedCount", Kind: Ptr, Max: 21},
	{Name: "delegateWrappersFromNativeToManaged", Kind: Ptr, Max: 21},
	{Name: "reversePInvokeWrapperCount", Kind: Ptr, Min: 22},
	{Name: "reversePInvokeWrappers", Kind: Ptr, Min: 22},
	{Name: "delegateWrappersFromManagedToNativeCount", Kind: Ptr, Max: 22},
	{Name: "delegateWrappersFromManagedToNative", Kind: Ptr, Max: 22},
	{Name: "marshalingFunctionsCount", Kind: Ptr, Max: 22},
	{Name: "marshalingFunctions", Kind: Ptr, Max: 22},
	{Name: "ccwMarshalingFunctionsCount", Kind: Ptr, Min: 21, Max: 22},
	{Name: "ccwMarshalingFunctions", Kind: Ptr, Min: 21, Max: 22},
	{Name: "genericMethodPointersCount", Kind: Ptr},
	{Name: "genericMethodPointers", Kind: Ptr},
	{Name: "genericAdjustorThunks", Kind: Ptr, Min: 27.1, Also: [2]Version{24.5, 24.5}},
	{Name: "invokerPointersCount", Kind: Ptr},
	{Name: "invokerPointers", Kind: Ptr},
	{Name: "customAttributeCount", Kind: Ptr, Max: 24.5},
	{Name: "customAttributeGenerators", Kind: Ptr, Max: 24.5},
	{Name: "guidCount", Kind: Ptr, Min: 21, Max: 22},
	{Name: "guids", Kind: Ptr, Min: 21, Max: 22},
	{Name: "unresolvedVirtualCallCount", Kind: Ptr, Min: 22},
	{Name: "unresolvedVirtualCallPointers", Kind: Ptr, Min: 22},
	{Name: "unresolvedInstanceCallPointers", Kind: Ptr, Min: 29.1},
	{Name: "unresolvedStaticCallPointers", Kind: Ptr, Min: 29.1},
	{Name: "interopDataCount", Kind: Ptr, Min: 23},
	{Name: "interopData", Kind: Ptr, Min: 23},
	{Name: "windowsRuntimeFactoryCount", Kind: Ptr, Min: 24.3},
	{Name: "windowsRuntimeFactoryTable", Kind: Ptr, Min: 24.3},
	{Name: "codeGenModulesCount", Kind: Ptr, Min: 24.2},
	{Name: "codeGenModules", Kind: Ptr, Min: 24.2},
}}

// MetadataRegistration is the root table of runtime type data.
var MetadataRegistration = &Layout{Name: "Il2CppMetadataRegistration", Fields: []Field{
	{Name: "genericClassesCount", Kind: Ptr},
	{Name: "genericClasses", Kind: Ptr},
	{Name: "genericInstsCount", Kind: Ptr},
	{Name: "genericInsts", Kind: Ptr},
	{Name: "genericMethodTableCount", Kind: Ptr},
	{Name: "genericMethodTable", Kind: Ptr},
	{Name: "typesCount", Kind: Ptr},
	{Name: "types", Kind: Ptr},
	{Name: "methodSpecsCount", Kind: Ptr},
	{Name: "methodSpecs", Kind: Ptr},
	{Name: "methodReferencesCount", Kind: Ptr, Max: 16},
	{Name: "methodReferences", Kind: Ptr, Max: 16},
	{Name: "fieldOffsetsCount", Kind: Ptr},
	{Name: "fieldOffsets", Kind: Ptr},
	{Name: "typeDefinitionsSizesCount", Kind: Ptr},
	{Name: "typeDefinitionsSizes", Kind: Ptr},
	{Name: "metadataUsagesCount", Kind: Ptr, Min: 19},
	{Name: "metadataUsages", Kind: Ptr, Min: 19},
}}

// CodeGenModule is the per-image method pointer table (v27+). Only the
// leading fields are decoded.
var CodeGenModule = &Layout{Name: "Il2CppCodeGenModule", Fields: []Field{
	{Name: "moduleName", Kind: Ptr},
	{Name: "methodPointerCount", Kind: Ptr},
	{Name: "methodPointers", Kind: Ptr},
}}

// Type is an Il2CppType: a data word followed by packed attribute bits.
var Type = &Layout{Name: "Il2CppType", Fields: []Field{
	{Name: "data", Kind: Ptr},
	{Name: "bits", Kind: U32},
}}

var TypeDefinition = &Layout{Name: "Il2CppTypeDefinition", Fields: []Field{
	{Name: "nameIndex", Kind: U32},
	{Name: "namespaceIndex", Kind: U32},
	{Name: "customAttributeIndex", Kind: I32, Max: 24},
	{Name: "byvalTypeIndex", Kind: I32},
	{Name: "byrefTypeIndex", Kind: I32, Max: 24.5},
	{Name: "declaringTypeIndex", Kind: I32},
	{Name: "parentIndex", Kind: I32},
	{Name: "elementTypeIndex", Kind: I32},
	{Name: "rgctxStartIndex", Kind: I32, Max: 24.1},
	{Name: "rgctxCount", Kind: I32, Max: 24.1},
	{Name: "genericContainerIndex", Kind: I32},
	{Name: "delegateWrapperFromManagedToNativeIndex", Kind: I32, Max: 22},
	{Name: "marshalingFunctionsIndex", Kind: I32, Max: 22},
	{Name: "ccwFunctionIndex", Kind: I32, Min: 21, Max: 22},
	{Name: "guidIndex", Kind: I32, Min: 21, Max: 22},
	{Name: "flags", Kind: U32},
	{Name: "fieldStart", Kind: I32},
	{Name: "methodStart", Kind: I32},
	{Name: "eventStart", Kind: I32},
	{Name: "propertyStart", Kind: I32},
	{Name: "nestedTypesStart", Kind: I32},
	{Name: "interfacesStart", Kind: I32},
	{Name: "vtableStart", Kind: I32},
	{Name: "interfaceOffsetsStart", Kind: I32},
	{Name: "method_count", Kind: U16},
	{Name: "property_count", Kind: U16},
	{Name: "field_count", Kind: U16},
	{Name: "event_count", Kind: U16},
	{Name: "nested_type_count", Kind: U16},
	{Name: "vtable_count", Kind: U16},
	{Name: "interfaces_count", Kind: U16},
	{Name: "interface_offsets_count", Kind: U16},
	{Name: "bitfield", Kind: U32},
	{Name: "token", Kind: U32, Min: 19},
}}

var MethodDefinition = &Layout{Name: "Il2CppMethodDefinition", Fields: []Field{
	{Name: "nameIndex", Kind: U32},
	{Name: "declaringType", Kind: I32},
	{Name: "returnType", Kind: I32},
	{Name: "returnParameterToken", Kind: U32, Min: 31},
	{Name: "parameterStart", Kind: I32},
	{Name: "customAttributeIndex", Kind: I32, Max: 24},
	{Name: "genericContainerIndex", Kind: I32},
	{Name: "methodIndex", Kind: I32, Max: 24.1},
	{Name: "invokerIndex", Kind: I32, Max: 24.1},
	{Name: "delegateWrapperIndex", Kind: I32, Max: 24.1},
	{Name: "rgctxStartIndex", Kind: I32, Max: 24.1},
	{Name: "rgctxCount", Kind: I32, Max: 24.1},
	{Name: "token", Kind: U32},
	{Name: "flags", Kind: U16},
	{Name: "iflags", Kind: U16},
	{Name: "slot", Kind: U16},
	{Name: "parameterCount", Kind: U16},
}}

var ImageDefinition = &Layout{Name: "Il2CppImageDefinition", Fields: []Field{
	{Name: "nameIndex", Kind: U32},
	{Name: "assemblyIndex", Kind: I32},
	{Name: "typeStart", Kind: I32},
	{Name: "typeCount", Kind: U32},
	{Name: "exportedTypeStart", Kind: I32, Min: 24},
	{Name: "exportedTypeCount", Kind: U32, Min: 24},
	{Name: "entryPointIndex", Kind: I32},
	{Name: "token", Kind: U32, Min: 19},
	{Name: "customAttributeStart", Kind: I32, Min: 24.1},
	{Name: "customAttributeCount", Kind: U32, Min: 24.1},
}}

var MetadataUsagePair = &Layout{Name: "Il2CppMetadataUsagePair", Fields: []Field{
	{Name: "destinationIndex", Kind: U32},
	{Name: "encodedSourceIndex", Kind: U32},
}}

// MetadataHeader is the global-metadata.dat header: sanity, version and a
// run of section offset/size pairs.
var MetadataHeader = &Layout{Name: "Il2CppGlobalMetadataHeader", Fields: concat(
	[]Field{{Name: "sanity", Kind: U32}, {Name: "version", Kind: I32}},
	pairs(0, 0, "stringLiteral", "stringLiteralData", "string", "events",
		"properties", "methods", "parameterDefaultValues", "fieldDefaultValues",
		"fieldAndParameterDefaultValueData", "fieldMarshaledSizes", "parameters",
		"fields", "genericParameters", "genericParameterConstraints",
		"genericContainers", "nestedTypes", "interfaces", "vtableMethods",
		"interfaceOffsets", "typeDefinitions"),
	pairs(0, 24.1, "rgctxEntries"),
	pairs(0, 0, "images", "assemblies"),
	pairs(19, 24.5, "metadataUsageLists", "metadataUsagePairs"),
	pairs(19, 0, "fieldRefs"),
	pairs(20, 0, "referencedAssemblies"),
	pairs(21, 27.2, "attributesInfo", "attributeTypes"),
	pairs(29, 0, "attributeData", "attributeDataRange"),
	pairs(22, 0, "unresolvedVirtualCallParameterTypes", "unresolvedVirtualCallParameterRanges"),
	pairs(23, 0, "windowsRuntimeTypeNames"),
	pairs(27, 0, "windowsRuntimeStrings"),
	pairs(24, 0, "exportedTypeDefinitions"),
)}

func pairs(min, max Version, names ...string) []Field {
	out := make([]Field, 0, 2*len(names))
	for _, n := range names {
		out = append(out,
			Field{Name: n + "Offset", Kind: U32, Min: min, Max: max},
			Field{Name: n + "Size", Kind: U32, Min: min, Max: max})
	}
	return out
}

func concat(groups ...[]Field) []Field {
	var out []Field
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Type enum values of Il2CppType.bits needed by the model.
const (
	TypeClass     = 0x12
	TypeValueType = 0x11
	TypeGenInst   = 0x15
)

// TypeEnum extracts the element type from Il2CppType.bits.
func TypeEnum(bits uint64) uint8 { return uint8(bits >> 16) }
