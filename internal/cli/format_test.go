package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
)

func TestParsers(t *testing.T) {
	side, err := parseSide(" b ")
	assert.NoError(t, err)
	assert.Equal(t, models.OrderSideBuy, side)
	side, err = parseSide("Sell")
	assert.NoError(t, err)
	assert.Equal(t, models.OrderSideSell, side)

	kind, err := parseKind("SL-M")
	assert.NoError(t, err)
	assert.Equal(t, models.OrderKindStop, kind)
	kind, err = parseKind("LIMIT")
	assert.NoError(t, err)
	assert.Equal(t, models.OrderKindLimit, kind)

	product, err := parseProduct("cnc")
	assert.NoError(t, err)
	assert.Equal(t, models.ProductCNC, product)

	topic, err := parseTopic("Depth")
	assert.NoError(t, err)
	assert.Equal(t, models.TopicDepth, topic)

	qty, err := parseQuantity("25")
	assert.NoError(t, err)
	assert.Equal(t, 25, qty)

	_, err = parseSide("short")
	assert.ErrorIs(t, err, apperrors.ErrInputValidation)
	_, err = parseKind("twap")
	assert.ErrorIs(t, err, apperrors.ErrInputValidation)
	_, err = parseProduct("BO")
	assert.ErrorIs(t, err, apperrors.ErrInputValidation)
	_, err = parseTopic("news")
	assert.ErrorIs(t, err, apperrors.ErrInputValidation)
	for _, bad := range []string{"0", "-3", "1.5", "ten"} {
		_, err = parseQuantity(bad)
		assert.ErrorIs(t, err, apperrors.ErrInputValidation, bad)
	}
}

func TestOutput_PlainWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	o := &Output{writer: &buf}
	assert.Equal(t, "x", o.Green("x"))
	o.Success("done %d", 3)
	assert.Equal(t, "done 3\n", buf.String())
}

func TestStripANSI(t *testing.T) {
	o := &Output{colorEnabled: true}
	painted := o.Red("NIFTY")
	assert.NotEqual(t, "NIFTY", painted)
	assert.Equal(t, "NIFTY", stripANSI(painted))
	assert.Equal(t, 5, visibleLen(painted))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

// Every data row of a rendered table starts its second column at the same
// offset, whatever the cell widths.
func TestTable_ColumnsAlign(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("second column starts at a fixed offset", prop.ForAll(
		func(left, right []string) bool {
			n := len(left)
			if len(right) < n {
				n = len(right)
			}

			var buf bytes.Buffer
			table := NewTable(&Output{writer: &buf}, "A", "B")
			width := 1
			for i := 0; i < n; i++ {
				table.AddRow(left[i], right[i])
				if len(left[i]) > width {
					width = len(left[i])
				}
			}
			table.Render()

			lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
			if len(lines) != n+2 {
				return false
			}
			offset := width + 2
			for i, line := range lines[2:] {
				line += strings.Repeat(" ", offset)
				if strings.TrimRight(line[:offset], " ") != left[i] {
					return false
				}
				if strings.TrimRight(line[offset:], " ") != right[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
