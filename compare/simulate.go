package compare

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ineyio/neutralgate"
)

const simulatedExcerpt = 80

// Simulate returns the placeholder text for a provider in simulated mode. The same
// provider, model, temperature and prompt always produce the same text.
func Simulate(id neutralgate.ProviderID, model, prompt string, temperature *float64) string {
	temp := "default"
	if temperature != nil {
		temp = strconv.FormatFloat(*temperature, 'f', 2, 64)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", id, model, temp, prompt)
	ref := hex.EncodeToString(h.Sum(nil))[:12]

	return fmt.Sprintf("[simulated %s · %s · t=%s] Response to %q (ref %s)",
		id, model, temp, excerpt(prompt), ref)
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= simulatedExcerpt {
		return s
	}
	r := []rune(s)
	return string(r[:simulatedExcerpt]) + "…"
}
