package utils

import (
	"regexp"
	"strings"
)

// Language codes
const (
	LangEnglish = "en"
	LangHebrew  = "he"
	LangArabic  = "ar"
	LangRussian = "ru"
	LangChinese = "zh"
)

// Language represents a detected language
type Language struct {
	Code       string
	Name       string
	Confidence float64
}

type scriptPattern struct {
	code    string
	name    string
	pattern *regexp.Regexp
}

var scriptPatterns = []scriptPattern{
	{LangHebrew, "Hebrew", regexp.MustCompile(`[\x{0590}-\x{05FF}]`)},
	{LangArabic, "Arabic", regexp.MustCompile(`[\x{0600}-\x{06FF}]`)},
	{LangRussian, "Russian", regexp.MustCompile(`[\x{0400}-\x{04FF}]`)},
	{LangChinese, "Chinese", regexp.MustCompile(`[\x{4E00}-\x{9FFF}]`)},
}

// DetectLanguage guesses the language of an email body from character script
// ratios, so generated replies can be written in the sender's language.
// English is the fallback for Latin-script and empty text.
func DetectLanguage(text string) Language {
	text = strings.TrimSpace(text)
	if text == "" {
		return Language{Code: LangEnglish, Name: "English", Confidence: 0.0}
	}

	total := float64(len([]rune(text)))
	best := Language{Code: LangEnglish, Name: "English", Confidence: 0.0}
	for _, sp := range scriptPatterns {
		ratio := float64(len(sp.pattern.FindAllString(text, -1))) / total
		// At least a tenth of the text must be in the script; quoted
		// signatures and addresses keep mixed mail noisy below that.
		if ratio > 0.1 && ratio > best.Confidence {
			best = Language{Code: sp.code, Name: sp.name, Confidence: ratio}
		}
	}
	return best
}

// ReplyLanguageInstruction returns a prompt instruction matching the
// detected language of the sender's message.
func ReplyLanguageInstruction(lang Language) string {
	switch lang.Code {
	case LangHebrew:
		return "Write the reply in Hebrew (עברית)."
	case LangArabic:
		return "Write the reply in Arabic (العربية)."
	case LangRussian:
		return "Write the reply in Russian (Русский)."
	case LangChinese:
		return "Write the reply in Chinese (中文)."
	default:
		return "Write the reply in English."
	}
}
