package nodemanager

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// Print writes one line per model range: the GID or GID interval padded to
// the width of the largest GID, then the model name. There is no trailing
// newline.
func (m *Manager) Print(w io.Writer) error {
	_, err := io.WriteString(w, m.String())
	return err
}

func (m *Manager) String() string {
	maxGID := m.local.Size()
	digits := 0
	if maxGID > 0 {
		digits = int(math.Floor(math.Log10(float64(maxGID))))
	}
	rangeWidth := 6 + 2*digits

	var b strings.Builder
	for i, r := range m.ranges.Ranges() {
		if i > 0 {
			b.WriteByte('\n')
		}
		gids := fmt.Sprintf("%*d", digits+1, r.First)
		if r.Last != r.First {
			gids += fmt.Sprintf(" .. %*d", digits+1, r.Last)
		}
		fmt.Fprintf(&b, "%-*s %s", rangeWidth, gids, m.models.ModelName(r.Model))
	}
	return b.String()
}
