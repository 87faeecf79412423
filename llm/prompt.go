package llm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	promptFile        = "prep_speech.txt"
	defaultPromptFile = "simple.txt"

	predictPrompt = "Give the next words in the sentence:\n\"I am going\" <to town>\n\"%s\" <"
)

var ErrEmptyPrompt = errors.New("prompt has no task or no text")

// Prompt is a few-shot completion prompt: a task line, worked exemplars,
// and the text to complete.
type Prompt struct {
	Task      string
	Exemplars []string
}

// builtinPrompt is used when no prompt file exists on disk.
var builtinPrompt = Prompt{
	Task: "Rewrite the spoken transcript as clean, punctuated English, keeping the speaker's meaning:",
	Exemplars: []string{
		`"i want buy a" <I want to buy a>`,
		`"um so we we should go tomorrow maybe" <So we should go tomorrow, maybe.>`,
		`"what time is it is it late" <What time is it? Is it late?>`,
	},
}

// ParsePrompt reads @task, @exemplar and @end directives. Lines after @end
// and lines without a directive are ignored.
func ParsePrompt(r io.Reader) (Prompt, error) {
	var p Prompt
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "@task"):
			p.Task = directiveValue(line, "@task")
		case strings.HasPrefix(line, "@exemplar"):
			p.Exemplars = append(p.Exemplars, directiveValue(line, "@exemplar"))
		case strings.HasPrefix(line, "@end"):
			return p, nil
		}
	}
	return p, errors.Wrap(scanner.Err(), "read prompt")
}

func directiveValue(line, directive string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, directive), " ")
}

// Render fills the prompt with text. The completion model answers after
// the trailing "<" and stops at ">".
func (p Prompt) Render(text string) (string, error) {
	text = strings.TrimSpace(text)
	if p.Task == "" || text == "" {
		return "", ErrEmptyPrompt
	}
	return fmt.Sprintf("%s\n\n%s\n\"%s\" <", p.Task, strings.Join(p.Exemplars, "\n"), text), nil
}

// PromptStore finds prompt files under Dir. A label selects
// <Dir>/<label>/prep_speech.txt; otherwise <Dir>/simple.txt is used, and
// the built-in prompt when neither exists.
type PromptStore struct {
	Dir string
}

func (s PromptStore) Load(label string) (Prompt, error) {
	var candidates []string
	if validLabel(label) {
		candidates = append(candidates, filepath.Join(s.Dir, label, promptFile))
	}
	candidates = append(candidates, filepath.Join(s.Dir, defaultPromptFile))

	for _, path := range candidates {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Prompt{}, errors.Wrapf(err, "open prompt %s", path)
		}
		p, err := ParsePrompt(f)
		f.Close()
		if err != nil {
			return Prompt{}, errors.Wrapf(err, "parse prompt %s", path)
		}
		return p, nil
	}
	return builtinPrompt, nil
}

func validLabel(label string) bool {
	return label != "" && label != "." && label != ".." && filepath.Base(label) == label
}
