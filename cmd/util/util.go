package util

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// HelpWidth is the column at which flag help texts are wrapped.
const HelpWidth = 50

// EnvPrefix is the prefix of all environment variables read by dstate.
const EnvPrefix = "dstate"

// WrapString wraps a flag help text at HelpWidth columns. Line breaks in text
// start a new paragraph; a word longer than HelpWidth gets a line of its own.
func WrapString(text string) string {
	paragraphs := strings.Split(text, "\n")
	for i, p := range paragraphs {
		paragraphs[i] = wrapParagraph(p, HelpWidth)
	}
	return strings.TrimRight(strings.Join(paragraphs, "\n"), "\n")
}

func wrapParagraph(text string, width int) string {
	var b strings.Builder
	col := 0
	for _, word := range strings.Fields(text) {
		switch {
		case col == 0:
		case col+1+len(word) > width:
			b.WriteByte('\n')
			col = 0
		default:
			b.WriteByte(' ')
			col++
		}
		b.WriteString(word)
		col += len(word)
	}
	return b.String()
}

// InitEnv loads .env and .env.local (if present) and makes viper read
// DSTATE_<FLAG> variables, with dashes in flag names replaced by underscores.
func InitEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
