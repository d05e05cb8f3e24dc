package narration_test

import (
	"testing"

	"github.com/book-expert/storybook-service/internal/narration"
)

type prepareTestCase struct {
	name     string
	input    string
	expected string
}

func TestPreparer_Prepare(t *testing.T) {
	t.Parallel()

	preparer := narration.NewPreparer()

	tests := []prepareTestCase{
		{name: "empty", input: "   ", expected: ""},
		{name: "adds full stop", input: "The robot hummed", expected: "The robot hummed."},
		{name: "keeps question", input: "Could it whistle?", expected: "Could it whistle?"},
		{name: "collapses whitespace", input: "Beep\n\n  boop\tbeep.", expected: "Beep boop beep."},
		{name: "expands abbreviations", input: "Dr. Cog smiled.", expected: "Doctor Cog smiled."},
		{name: "expands married title", input: "Mrs. Gear waved.", expected: "Missus Gear waved."},
		{name: "expands every title", input: "Mr. Bolt met Ms. Nut on St. Cog's Day.", expected: "Mister Bolt met Miz Nut on Saint Cog's Day."},
		{name: "keeps abbreviation inside word", input: "She read her DMs.", expected: "She read her DMs."},
		{name: "keeps trailing letters of longer word", input: "The robots were first.", expected: "The robots were first."},
		{name: "collapses repeated marks", input: "Wow!!! Really??", expected: "Wow! Really?"},
		{name: "normalises smart quotes", input: "“Hi,” said Bolt.", expected: `"Hi," said Bolt.`},
		{name: "keeps ellipsis", input: "And then…", expected: "And then..."},
		{name: "closing quote ends sentence", input: `He said "hello"`, expected: `He said "hello"`},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			result := preparer.Prepare(testCase.input)
			if result != testCase.expected {
				t.Errorf("Expected %q, got %q", testCase.expected, result)
			}
		})
	}
}

func TestPreparer_Prompt(t *testing.T) {
	t.Parallel()

	preparer := narration.NewPreparer()

	got := preparer.Prompt("The end")
	want := "Read this story page warmly and expressively: The end."

	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
