package crypto

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
)

// Canonical JSON rules: lexicographically sorted keys at every nesting level,
// compact separators, decimals rendered as JSON strings with trailing zeros
// trimmed ("1.50" and "1.5" canonicalise identically), integers as bare
// numbers, absent optional fields omitted entirely (never null). Clients in
// any language can reproduce the bytes without sharing struct layouts.

// CanonicalOrder returns the canonical byte encoding of an order, excluding
// its signature. The result is independent of the field order of whatever
// JSON the order was decoded from.
func CanonicalOrder(o *core.Order) []byte {
	m := map[string]any{
		"asset_pair": map[string]any{
			"base":  o.AssetPair.Base,
			"quote": o.AssetPair.Quote,
		},
		"order_id":      o.OrderID,
		"order_type":    string(o.OrderType),
		"quantity":      o.Quantity.String(),
		"side":          string(o.Side),
		"time_in_force": string(o.TimeInForce),
		"timestamp":     o.Timestamp,
		"user_address":  o.UserAddress,
	}
	if o.Price != nil {
		m["price"] = o.Price.String()
	}
	if o.Expiration != nil {
		m["expiration"] = *o.Expiration
	}
	return marshalCanonical(m)
}

// CanonicalCancel returns the canonical byte encoding of a cancel request,
// excluding its signature.
func CanonicalCancel(c *core.CancelRequest) []byte {
	return marshalCanonical(map[string]any{
		"order_id":     c.OrderID,
		"timestamp":    c.Timestamp,
		"user_address": c.UserAddress,
	})
}

func marshalCanonical(v any) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case string:
		writeJSONString(buf, val)
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case int:
		buf.WriteString(strconv.Itoa(val))
	default:
		// Only the cases above appear in canonical payloads.
		b, _ := json.Marshal(val)
		buf.Write(b)
	}
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
