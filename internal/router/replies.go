package router

import (
	"fmt"
	"strings"

	"github.com/loqalabs/aethra/internal/session"
	"github.com/loqalabs/aethra/internal/tables"
)

const (
	replyStart = "I'm Aethra, bot for speech recognition and voice-over! " +
		"Send me a voice message and I will transcribe it for you or send me text and I will voice it!"
	replyHelp = "Send me text and I will voice it, or a voice message and I will transcribe it.\n\n" +
		"/start - reset your settings\n" +
		"/language - choose a language and a voice\n" +
		"/rate - choose the speech rate\n" +
		"/pitch - choose the voice pitch\n" +
		"/volume - choose the volume\n" +
		"/settings - show your current settings"
	replyUninitialized  = "Hey! You didn't send /start! I can't work without it!"
	replyChooseLanguage = "Please send me the language code:"
	replyChooseGender   = "Please choose a voice gender:"
	replyWait           = "Please, wait. It might take a while..."
	replyNoAudio        = "Something's wrong with your text. Check your language!"
	replyNothingHeard   = "I couldn't hear anything in that message."
	replyRateLimited    = "Slow down a little! I'm still working on your previous requests."
	replyFailure        = "Sorry, something went wrong. Please try again later."
	captionAudio        = "Here is your audio!"
)

func replyChooseValue(kind tables.Kind) string {
	return fmt.Sprintf("Please send me the %s level:", kind)
}

func replyLanguage(code string) string {
	return fmt.Sprintf("Current language is %s", code)
}

func replyValue(kind tables.Kind, value string) string {
	return fmt.Sprintf("Current %s is %s", kind, value)
}

func replySettings(s session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", s.Language)
	fmt.Fprintf(&b, "Voice: %s\n", s.Voice)
	fmt.Fprintf(&b, "Rate: %s\n", s.Rate)
	fmt.Fprintf(&b, "Pitch: %s\n", s.Pitch)
	fmt.Fprintf(&b, "Volume: %s", s.Volume)
	return b.String()
}
