package paloma

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Skill is a declarative manifest grouping related tools plus free-form
// guidance for the LLM on when to use them. The manifest is a Markdown file
// with a frontmatter header:
//
//	---
//	name: github
//	description: Work with GitHub issues and pull requests
//	version: 2
//	tools: gh_create_issue, gh_list_issues
//	---
//	Use gh_create_issue when the user asks to file a bug...
//
// Instructions (the body after the frontmatter) are loaded lazily on first
// use of any tool belonging to the skill.
type Skill struct {
	Name        string
	Description string
	Version     int
	Tools       []string

	path     string
	loadOnce sync.Once
	body     string
}

// LoadSkillManifest parses a skill manifest's frontmatter. The body is not
// read into memory until Instructions is first called.
func LoadSkillManifest(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skill manifest: %w", err)
	}
	front, _, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("skill manifest %s: %w", path, err)
	}

	s := &Skill{path: path, Version: 1}
	for _, line := range strings.Split(front, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "name":
			s.Name = val
		case "description":
			s.Description = val
		case "version":
			if v, err := strconv.Atoi(val); err == nil {
				s.Version = v
			}
		case "tools":
			for _, t := range strings.Split(val, ",") {
				if t = strings.TrimSpace(t); t != "" {
					s.Tools = append(s.Tools, t)
				}
			}
		}
	}
	if s.Name == "" {
		return nil, fmt.Errorf("skill manifest %s: missing name", path)
	}
	return s, nil
}

// Instructions returns the manifest body, reading it from disk exactly once.
// Read failures yield ""; a skill without guidance still works.
func (s *Skill) Instructions() string {
	s.loadOnce.Do(func() {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return
		}
		_, body, err := splitFrontmatter(string(data))
		if err != nil {
			return
		}
		s.body = strings.TrimSpace(body)
	})
	return s.body
}

// splitFrontmatter separates a "---" fenced header from the body.
func splitFrontmatter(content string) (front, body string, err error) {
	content = strings.TrimPrefix(content, "\uFEFF")
	if !strings.HasPrefix(content, "---") {
		return "", "", fmt.Errorf("missing frontmatter fence")
	}
	rest := strings.TrimPrefix(content, "---")
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter fence")
	}
	front = rest[:idx]
	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return front, body, nil
}
