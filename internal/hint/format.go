package hint

import "strings"

var bulletMarkers = []string{"-", "*", "•", "–", "—"}

// FormatBullets normalizes model output into at most maxBullets lines of the
// form "- text". Lines that continue a bullet are folded into it. Text before
// the first bullet is dropped; output without any bullet becomes one bullet.
func FormatBullets(text string, maxBullets int) string {
	if maxBullets <= 0 {
		maxBullets = 3
	}

	var bullets, loose []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if body, ok := stripMarker(line); ok {
			bullets = append(bullets, body)
			continue
		}
		if len(bullets) > 0 {
			bullets[len(bullets)-1] += " " + line
			continue
		}
		loose = append(loose, line)
	}

	if len(bullets) == 0 {
		joined := strings.Join(loose, " ")
		if joined == "" {
			return ""
		}
		return "- " + joined
	}

	if len(bullets) > maxBullets {
		bullets = bullets[:maxBullets]
	}
	var b strings.Builder
	for i, body := range bullets {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(body)
	}
	return b.String()
}

// stripMarker removes a leading bullet or list number. A marker must be
// followed by whitespace so "**bold**" or "-5" stay text.
func stripMarker(line string) (string, bool) {
	for _, m := range bulletMarkers {
		if rest, ok := strings.CutPrefix(line, m); ok {
			if rest == "" || !isSpace(rest[0]) {
				return "", false
			}
			body := strings.TrimSpace(rest)
			return body, body != ""
		}
	}

	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i > 2 || i+1 >= len(line) {
		return "", false
	}
	if line[i] != '.' && line[i] != ')' {
		return "", false
	}
	if !isSpace(line[i+1]) {
		return "", false
	}
	body := strings.TrimSpace(line[i+1:])
	return body, body != ""
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}
