// Package skills loads markdown skill files from a directory for prompt
// injection.
package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Skill is one loaded skill document.
type Skill struct {
	Name    string
	Content string
}

// Load reads every .md file under dir. A missing directory yields no skills
// and no error.
func Load(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, Skill{
			Name:    strings.TrimSuffix(entry.Name(), ".md"),
			Content: strings.TrimSpace(string(data)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PromptBlock renders the skills section of the system prompt, or "" when
// no skills are present.
func PromptBlock(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Available skills:\n")
	for _, sk := range skills {
		sb.WriteString("## ")
		sb.WriteString(sk.Name)
		sb.WriteString("\n")
		sb.WriteString(sk.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
