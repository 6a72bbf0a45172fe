package observability

import "go.opentelemetry.io/otel/attribute"

// Protocol semantic convention attributes.
var (
	AttrOperation    = attribute.Key("commit.operation")
	AttrErrorCode    = attribute.Key("commit.error.code")
	AttrCommitmentID = attribute.Key("commit.commitment.id")
	AttrPoolID       = attribute.Key("commit.pool.id")
	AttrCaller       = attribute.Key("commit.caller")
)

// CommitmentOperation creates attributes for a commitment-scoped call.
// Empty values are left out.
func CommitmentOperation(commitmentID, caller string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if commitmentID != "" {
		attrs = append(attrs, AttrCommitmentID.String(commitmentID))
	}
	if caller != "" {
		attrs = append(attrs, AttrCaller.String(caller))
	}
	return attrs
}

// PoolOperation creates attributes for an allocation call. Empty IDs are
// left out.
func PoolOperation(poolID, commitmentID string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if poolID != "" {
		attrs = append(attrs, AttrPoolID.String(poolID))
	}
	if commitmentID != "" {
		attrs = append(attrs, AttrCommitmentID.String(commitmentID))
	}
	return attrs
}
