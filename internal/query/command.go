package query

import (
	"errors"
	"strings"
	"time"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/history"
)

// Kind identifies a command.
type Kind int

const (
	KindTop Kind = iota
	KindCurrent
	KindHistorical
	KindStatus
	KindHelp
)

func (k Kind) String() string {
	switch k {
	case KindTop:
		return "top"
	case KindCurrent:
		return "current"
	case KindHistorical:
		return "historical"
	case KindStatus:
		return "status"
	default:
		return "help"
	}
}

// ErrNotCommand marks text that is not addressed to the bot. It is ignored silently.
var ErrNotCommand = errors.New("query: not a command for this bot")

// ErrInvalidDate is returned for a malformed DDMMYY argument.
var ErrInvalidDate = history.ErrInvalidDate

// Command is a parsed operator request.
type Command struct {
	Kind   Kind
	Symbol string
	Date   time.Time
}

// Parser turns chat text into commands.
type Parser struct {
	// BotUsername without "@"; when set, /status must mention it and commands
	// addressed to another bot are ignored.
	BotUsername string
	// Quote is appended to bare base assets, e.g. "btc" -> "BTCUSDT".
	Quote string
}

// Parse recognises /funding, /funding SYMBOL, /funding SYMBOL DDMMYY, /status and /help.
func (p Parser) Parse(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, ErrNotCommand
	}
	parts := strings.Fields(text)
	name, target, _ := strings.Cut(strings.ToLower(parts[0]), "@")
	bot := strings.ToLower(strings.TrimPrefix(p.BotUsername, "@"))
	if target != "" && bot != "" && target != bot {
		return Command{}, ErrNotCommand
	}
	args := parts[1:]

	switch name {
	case "/funding":
		return p.parseFunding(args)
	case "/status":
		if bot != "" && target == "" && !strings.Contains(strings.ToLower(text), "@"+bot) {
			return Command{}, ErrNotCommand
		}
		return Command{Kind: KindStatus}, nil
	case "/help", "/start":
		return Command{Kind: KindHelp}, nil
	default:
		return Command{}, ErrNotCommand
	}
}

func (p Parser) parseFunding(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{Kind: KindTop}, nil
	}
	quote := p.Quote
	if quote == "" {
		quote = "USDT"
	}
	cmd := Command{Kind: KindCurrent, Symbol: funding.NormalizeSymbol(args[0], quote)}
	if len(args) == 1 {
		return cmd, nil
	}

	date, err := history.ParseDate(args[1])
	if err != nil {
		return Command{}, err
	}
	cmd.Kind = KindHistorical
	cmd.Date = date
	return cmd, nil
}
