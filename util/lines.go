package util

import "strings"

// SplitLines splits s into lines, trimming carriage returns and dropping empty lines.
func SplitLines(s string) []string {
	var lines []string

	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		lines = append(lines, line)
	}

	return lines
}

// CountLines returns the number of complete lines in data.
func CountLines(data []byte) int {
	count := 0
	for _, b := range data {
		if b == '\n' {
			count++
		}
	}

	return count
}
