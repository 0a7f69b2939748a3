package otelzerolog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/log"
)

func TestMapAttrs(t *testing.T) {
	t.Parallel()

	t.Run("bool field", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{log.Bool("cdn_enabled", true)},
			mapAttrs(map[string]any{"cdn_enabled": true}),
		)
	})

	t.Run("string field", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{log.String("account", "acct")},
			mapAttrs(map[string]any{"account": "acct"}),
		)
	})

	t.Run("whole float64 becomes an int64", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{log.Int64("ttl", 3600)},
			mapAttrs(map[string]any{"ttl": float64(3600)}),
		)
	})

	t.Run("fractional float64 stays a float64", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{log.Float64("elapsed", 1.5)},
			mapAttrs(map[string]any{"elapsed": 1.5}),
		)
	})

	t.Run("slice field", func(t *testing.T) {
		t.Parallel()

		kvs := mapAttrs(map[string]any{
			"hosts": []any{"db.example.com"},
		})

		if assert.Len(t, kvs, 1) {
			assert.True(t, kvs[0].Equal(
				log.Slice("hosts", log.StringValue("db.example.com")),
			))
		}
	})

	t.Run("nested map field", func(t *testing.T) {
		t.Parallel()

		kvs := mapAttrs(map[string]any{
			"container": map[string]any{
				"name": "cont",
			},
		})

		if assert.Len(t, kvs, 1) {
			assert.True(t, kvs[0].Equal(
				log.Map("container", log.String("name", "cont")),
			))
		}
	})

	t.Run("unknown type is rendered as a string", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.KeyValue{log.String("oddball", "<nil>")},
			mapAttrs(map[string]any{"oddball": nil}),
		)
	})
}

func TestSliceValues(t *testing.T) {
	t.Parallel()

	t.Run("bools", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.Value{log.BoolValue(true), log.BoolValue(false)},
			sliceValues([]any{true, false}),
		)
	})

	t.Run("numbers", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.Value{log.Int64Value(900), log.Float64Value(0.5)},
			sliceValues([]any{float64(900), 0.5}),
		)
	})

	t.Run("strings", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.Value{
				log.StringValue("edge1.cdn.example.com"),
				log.StringValue("edge2.cdn.example.com"),
			},
			sliceValues([]any{"edge1.cdn.example.com", "edge2.cdn.example.com"}),
		)
	})

	t.Run("maps", func(t *testing.T) {
		t.Parallel()

		assert.Equal(
			t,
			[]log.Value{
				log.MapValue(log.String("account", "acct")),
				log.MapValue(log.Bool("cdn_enabled", true)),
			},
			sliceValues([]any{
				map[string]any{"account": "acct"},
				map[string]any{"cdn_enabled": true},
			}),
		)
	})
}
