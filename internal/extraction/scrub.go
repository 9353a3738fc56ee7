package extraction

import "regexp"

// secretPatterns are removed from message text before it is sent to the model
// service. Order matters: more specific patterns first.
var secretPatterns = []struct {
	regex       *regexp.Regexp
	replacement string
}{
	{
		regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
		"[REDACTED:PRIVATE_KEY]",
	},
	{
		regexp.MustCompile(`sk-(?:ant-)?[a-zA-Z0-9-]{20,}`),
		"[REDACTED:API_KEY]",
	},
	{
		regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]{20,}`),
		"[REDACTED:BEARER_TOKEN]",
	},
	{
		regexp.MustCompile(`(?i)(password|passwd|pwd|passcode)\s*[:=]\s*["']?\s*([^"'\s]{4,})["']?`),
		"$1=[REDACTED:PASSWORD]",
	},
	{
		regexp.MustCompile(`(?i)((?:verification|security|one[- ]time|login|confirmation) code(?: is)?)\s*[:=]?\s*[A-Z0-9]{4,10}\b`),
		"$1 [REDACTED:CODE]",
	},
	{
		regexp.MustCompile(`(?i)([?&](?:token|code|key|signature|sig|auth)=)[^&\s"'<>]+`),
		"$1[REDACTED]",
	},
	{
		// Card numbers: 13 to 19 digits, optionally grouped.
		regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		"[REDACTED:CARD]",
	},
}

// scrubSecrets removes credentials, one-time codes and card numbers from text.
func scrubSecrets(content string) string {
	for _, p := range secretPatterns {
		content = p.regex.ReplaceAllString(content, p.replacement)
	}
	return content
}
