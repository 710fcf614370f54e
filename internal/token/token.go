// Package token generates and validates the human-readable session token
// used as the HKDF salt and challenge-response pre-image for a transfer.
package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// words is the fixed wordlist tokens are drawn from. Order is irrelevant;
// only the set matters. Kept in one file so both peers agree on it without
// needing to exchange it.
var words = []string{
	"ocean", "forest", "mountain", "river", "desert", "valley", "island", "canyon",
	"tiger", "eagle", "dolphin", "wolf", "bear", "fox", "owl", "shark",
	"piano", "guitar", "violin", "drums", "flute", "trumpet", "harp", "saxophone",
	"ruby", "emerald", "diamond", "sapphire", "pearl", "crystal", "amber", "jade",
	"storm", "thunder", "lightning", "rainbow", "sunset", "sunrise", "aurora", "comet",
	"castle", "bridge", "tower", "garden", "temple", "palace", "fortress", "lighthouse",
	"voyage", "quest", "journey", "adventure", "discovery", "expedition", "exploration", "mission",
	"wisdom", "courage", "honor", "justice", "freedom", "peace", "harmony", "unity",
	"crimson", "azure", "golden", "silver", "violet", "scarlet", "indigo",
	"mystic", "ancient", "eternal", "infinite", "divine", "sacred", "blessed", "noble",
	"warrior", "guardian", "sentinel", "champion", "defender", "protector", "knight", "hero",
	"phoenix", "dragon", "griffin", "unicorn", "pegasus", "sphinx", "chimera", "hydra",
	"whisper", "echo", "melody", "rhythm", "symphony", "chorus", "ballad",
	"summit", "peak", "cliff", "ridge", "slope", "plateau", "gorge", "ravine",
	"stream", "brook", "creek", "waterfall", "rapid", "cascade", "spring", "pond",
	"meadow", "prairie", "field", "grove", "thicket", "woodland", "clearing", "glade",
	"dawn", "dusk", "twilight", "midnight", "moonlight", "starlight", "daybreak", "nightfall",
	"breeze", "gale", "hurricane", "tornado", "cyclone", "tempest", "blizzard", "typhoon",
	"ember", "flame", "spark", "blaze", "inferno", "pyre", "beacon", "torch",
	"frost", "ice", "snow", "hail", "glacier", "icicle", "winter",
	"bloom", "blossom", "petal", "nectar", "pollen", "fragrance", "bouquet", "garland",
	"orbit", "galaxy", "nebula", "constellation", "planet", "asteroid", "meteor", "cosmos",
	"treasure", "fortune", "riches", "bounty", "prize", "reward", "jewel", "crown",
	"legend", "myth", "tale", "saga", "epic", "chronicle", "story", "fable",
	"magic", "spell", "charm", "enchantment", "sorcery", "wizardry", "alchemy", "potion",
}

// Generate returns a fresh two-word token, e.g. "ocean-forest", drawn from
// words using a CSPRNG. Lifetime is one session; it is never persisted.
func Generate() (string, error) {
	w1, err := randomWord()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	w2, err := randomWord()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return w1 + "-" + w2, nil
}

func randomWord() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", err
	}
	return words[n.Int64()], nil
}

// Valid reports whether s has the shape of a token: two or more non-empty
// segments joined by hyphens. Letter case is not checked, and the words
// need not be in the wordlist, since a user may type a custom token.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	parts := strings.Split(s, "-")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}
