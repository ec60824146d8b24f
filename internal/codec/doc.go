// Package codec owns the transit text form of every payload crossing the
// frame boundary.
//
// Ownership boundary:
// - ordered, named serializers (first match wins)
// - transport-private key stripping ("_" prefixed keys never cross)
// - tagged node revival on parse, unknown tags degrade to nil
//
// Encoded nodes carry the serializer name under TagKey. Both peers must
// register a serializer under the same name for a value to survive the
// round trip; otherwise the receiving side sees nil for that node.
package codec
