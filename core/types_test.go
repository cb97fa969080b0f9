package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlockHashIgnoresSignature(t *testing.T) {
	b := Block{
		Height:    5,
		PrevHash:  "prev",
		Proposer:  "val-001",
		Txs:       []Transaction{{Hash: "tx1"}},
		Timestamp: 1234567890,
	}
	unsigned := b.Hash()
	b.Signature = []byte("sig")
	assert.Equal(t, unsigned, b.Hash(), "signing must not change the block identity")
}

func TestBlockHashSensitivity(t *testing.T) {
	base := Block{Height: 5, PrevHash: "prev", Proposer: "val-001", Timestamp: 1}

	changed := base
	changed.Height = 6
	assert.NotEqual(t, base.Hash(), changed.Hash())

	changed = base
	changed.Txs = []Transaction{{Hash: "tx1"}}
	assert.NotEqual(t, base.Hash(), changed.Hash())
}

func TestCommitteeMembers(t *testing.T) {
	c := Committee{
		Epoch:      1,
		Primary:    "p",
		Backups:    []string{"b1", "b2"},
		SelectedAt: time.Now(),
	}

	assert.Equal(t, []string{"p", "b1", "b2"}, c.Members(), "primary comes first")
	assert.Equal(t, 3, c.Size())
	assert.True(t, c.HasMember("p"))
	assert.True(t, c.HasMember("b2"))
	assert.False(t, c.HasMember("x"))
}

func TestEncodeDecodeJSON(t *testing.T) {
	msg := ConsensusMessage{
		Kind:      MsgVoteRequest,
		RoundID:   "r1",
		Timestamp: time.Now(),
		VoteReq:   &VoteRequestPayload{BlockHash: "h", Deadline: time.Now()},
	}
	data := EncodeJSON(msg)
	assert.NotNil(t, data)

	var decoded ConsensusMessage
	assert.NoError(t, DecodeJSON(data, &decoded))
	assert.Equal(t, MsgVoteRequest, decoded.Kind)
	assert.NotNil(t, decoded.VoteReq)
	assert.Nil(t, decoded.Propose, "only the payload matching Kind is set")
}
