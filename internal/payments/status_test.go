package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxDataHelpers(t *testing.T) {
	d := TxData{
		PayerContact: map[string]any{"first_name": "Ada", "last_name": "Lovelace", "mobile_no": " +62811 "},
		Extra:        map[string]any{"save": "true", "n": float64(0)},
	}
	assert.Equal(t, "Ada Lovelace", d.PayerName())
	assert.Equal(t, "+62811", d.PayerPhone())
	assert.Empty(t, d.PayerEmail())
	assert.True(t, d.ExtraBool("save"))
	assert.False(t, d.ExtraBool("n"))
	assert.False(t, d.ExtraBool("missing"))

	merged := d.merge(map[string]any{"locale": "id"})
	assert.Equal(t, "id", merged.ExtraString("locale"))
	assert.Nil(t, d.Extra["locale"])
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition("", StatusQueued))
	assert.True(t, CanTransition(StatusQueued, StatusAuthorized))
	assert.True(t, CanTransition(StatusAuthorized, StatusCompleted))
	assert.False(t, CanTransition(StatusAuthorized, StatusQueued))
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
	assert.False(t, CanTransition(StatusCancelled, StatusCompleted))
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusAuthorized.Terminal())

	sets := StateSets{Success: []string{"active"}, PreAuthorized: []string{"submitted"}}
	assert.Equal(t, ClassSucceeded, sets.classify(FlowCharge, "active"))
	assert.Equal(t, ClassAuthorized, sets.classify(FlowMandateAcquisition, "submitted"))
	assert.Equal(t, ClassFailed, sets.classify(FlowCharge, "submitted"))
	assert.Equal(t, StatusCancelled, canonicalStatus(ClassFailed, StatusCancelled))
	assert.Equal(t, StatusAuthorized, canonicalStatus(ClassSucceeded, StatusAuthorized))
	assert.Equal(t, StatusFailed, canonicalStatus(ClassFailed, StatusCompleted))
}
