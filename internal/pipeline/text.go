package pipeline

import "strings"

// NormalizeText is the minimal text-normalization pass spec.md §6 requires
// before TTS: collapsing whitespace and spelling out a small set of
// mathematical/scientific symbols so the TTS backend receives spoken-form
// English rather than notation it cannot read aloud. The full pass (the
// fraction/power/Greek-letter grammar of
// original_source/webapp_dual_tts/text_normalization.py:latex_to_speech) is
// an out-of-scope external collaborator per spec.md §1; this is the thin
// seam the Pipeline Driver calls into, not a reimplementation of it.
func NormalizeText(text string) string {
	text = strings.Join(strings.Fields(text), " ")

	replacer := strings.NewReplacer(
		"±", " plus or minus ",
		"×", " times ",
		"÷", " divided by ",
		"≈", " approximately ",
		"≤", " less than or equal to ",
		"≥", " greater than or equal to ",
		"π", " pi ",
		"°", " degrees ",
		"%", " percent ",
	)
	text = replacer.Replace(text)

	return strings.Join(strings.Fields(text), " ")
}
