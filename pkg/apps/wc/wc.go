// Package wc is the word-count application: map emits ("word", "1") for
// every word and reduce counts the values.
package wc

import (
	"strconv"
	"strings"
	"unicode"

	mr "github.com/paulniziolek/durable-mapreduce/pkg/mapreduce"
)

func Map(filename string, contents string) []mr.KeyValue {
	words := strings.FieldsFunc(contents, func(r rune) bool { return !unicode.IsLetter(r) })

	kva := make([]mr.KeyValue, 0, len(words))
	for _, w := range words {
		kva = append(kva, mr.KeyValue{Key: w, Value: "1"})
	}
	return kva
}

func Reduce(key string, values []string) string {
	return strconv.Itoa(len(values))
}
