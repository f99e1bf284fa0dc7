package channel

import (
	"sort"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// StripCommands removes every bot_command entity (e.g. "/chat@mybot") from
// text. Entity offsets count UTF-16 code units. The text is trimmed after
// each removal; text without commands is returned unchanged.
func StripCommands(text string, entities []tgbotapi.MessageEntity) string {
	var commands []tgbotapi.MessageEntity
	for _, e := range entities {
		if e.IsCommand() {
			commands = append(commands, e)
		}
	}
	if len(commands) == 0 {
		return text
	}
	sort.SliceStable(commands, func(i, j int) bool {
		return commands[i].Offset < commands[j].Offset
	})

	units := utf16.Encode([]rune(text))
	out := text
	for _, e := range commands {
		end := e.Offset + e.Length
		if e.Offset < 0 || e.Length <= 0 || end > len(units) {
			continue
		}
		token := string(utf16.Decode(units[e.Offset:end]))
		out = strings.TrimSpace(strings.ReplaceAll(out, token, ""))
	}
	return out
}
