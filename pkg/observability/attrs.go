package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Resolver-specific semantic convention attributes.
var (
	AttrDid          = attribute.Key("resolver.did")
	AttrStatus       = attribute.Key("resolver.status")
	AttrBlock        = attribute.Key("resolver.block")
	AttrStage        = attribute.Key("resolver.stage")
	AttrSchemaID     = attribute.Key("resolver.schema.id")
	AttrEcsType      = attribute.Key("resolver.ecs.type")
	AttrResourceType = attribute.Key("resolver.reattempt.resource_type")
	AttrErrorType    = attribute.Key("resolver.reattempt.error_type")
	AttrEcosystemDid = attribute.Key("resolver.ecosystem.did")
)

// ResolutionAttrs creates attributes for a trust resolution.
func ResolutionAttrs(did string, block int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDid.String(did),
		AttrBlock.Int64(block),
	}
}

// ReattemptAttrs creates attributes for a reattemptable resource.
func ReattemptAttrs(did, resourceType, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDid.String(did),
		AttrResourceType.String(resourceType),
		AttrErrorType.String(errorType),
	}
}
