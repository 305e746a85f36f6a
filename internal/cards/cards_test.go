package cards

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeckIsFullPermutationAtInit(t *testing.T) {
	d := NewDeck()
	seen := map[Card]int{}
	for _, c := range d.cards {
		seen[c]++
	}
	assert.Len(t, seen, DeckSize)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, 0, d.top)
}

func TestDeckAutoReshufflesOnExhaustion(t *testing.T) {
	d := NewDeck()
	r := rand.New(rand.NewSource(1))
	for i := 0; i < DeckSize; i++ {
		d.Draw(r)
	}
	require.Equal(t, DeckSize, d.top)
	// Drawing once more must reshuffle and reset the cursor rather than panic.
	_ = d.Draw(r)
	assert.Equal(t, 1, d.top)
}

func TestCardTagAceAlwaysPrintsA(t *testing.T) {
	assert.Equal(t, "AS", Card{Rank: Ace, Suit: Spades}.Tag())
	assert.Equal(t, "TD", Card{Rank: Ten, Suit: Diamonds}.Tag())
	assert.Equal(t, "KC", Card{Rank: King, Suit: Clubs}.Tag())
}

func TestHandValueSoftAce(t *testing.T) {
	h := Hand{Cards: []Card{{Rank: Ace, Suit: Clubs}, {Rank: King, Suit: Hearts}}}
	assert.Equal(t, 21, h.Value())

	h.Add(Card{Rank: Five, Suit: Diamonds})
	assert.Equal(t, 16, h.Value()) // ace demoted to 1: 11+10+5=26 -> 16
}

func TestHandValueMonotonicWithoutAceDemotion(t *testing.T) {
	h := Hand{Cards: []Card{{Rank: Four, Suit: Clubs}, {Rank: Five, Suit: Hearts}}}
	before := h.Value()
	h.Add(Card{Rank: Six, Suit: Spades})
	after := h.Value()
	assert.Greater(t, after, before)
}

func TestBust(t *testing.T) {
	h := Hand{Cards: []Card{{Rank: King, Suit: Clubs}, {Rank: Queen, Suit: Hearts}, {Rank: Two, Suit: Spades}}}
	assert.True(t, h.IsBust())
	assert.Equal(t, 22, h.Value())
}
