package xray

import (
	"bufio"
	"regexp"
	"strings"
)

var regexLink = regexp.MustCompile(`(vmess|vless|trojan)://[a-zA-Z0-9_\-\.\:@\?=&%#+/\[\]~,]+`)

// ExtractLinks pulls configuration links out of free text, such as a
// message an operator pasted or a subscription document.
func ExtractLinks(text string) []string {
	var links []string
	text = strings.ReplaceAll(text, "\r\n", "\n")
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		matches := regexLink.FindAllString(line, -1)
		for _, match := range matches {
			clean := strings.TrimRight(match, ".,;)\"")
			if clean != "" {
				links = append(links, clean)
			}
		}
	}
	return deduplicate(links)
}

// FirstLink returns the first link with the given scheme, or "".
func FirstLink(text, scheme string) string {
	prefix := scheme + "://"
	for _, l := range ExtractLinks(text) {
		if strings.HasPrefix(l, prefix) {
			return l
		}
	}
	return ""
}

func deduplicate(input []string) []string {
	keys := make(map[string]bool)
	list := []string{}
	for _, entry := range input {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}
