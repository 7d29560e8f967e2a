package registry

import (
	"bufio"
	"bytes"
	"embed"
)

//go:embed adjectives.txt nouns.txt
var wordsFS embed.FS

func loadWords(name string) []string {
	data, err := wordsFS.ReadFile(name)
	if err != nil {
		panic("registry: embedded word list missing: " + name)
	}
	var words []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		words = append(words, line)
	}
	return words
}

var adjectives = loadWords("adjectives.txt")
var nouns = loadWords("nouns.txt")
