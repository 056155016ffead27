// Package discovery implements the session-start context and skill
// discovery supplemented in SPEC_FULL.md §C.2-3: scanning a working
// directory (and its ancestors) for AGENTS.md/OPAL.md context files, and
// for markdown skill definitions under .opal/skills/, plus a filesystem
// watch so edits mid-session re-emit the corresponding event.
//
// Grounded on internal/command/executor.go's loadFromFiles (directory
// walk over markdown files) and parseMarkdownCommand (line-based
// frontmatter scanning, deliberately not a real YAML parse) — skill
// frontmatter here is the same "simple YAML-like" key: value scan.
package discovery

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/matteing/opal/internal/logging"
)

// contextFileNames are the file names ScanContextFiles looks for at
// each directory level, closest ancestor first on the wire (spec.md's
// context_discovered event, SPEC_FULL.md §C.2).
var contextFileNames = []string{"AGENTS.md", "OPAL.md"}

// ContextFile is one discovered project-context document.
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ScanContextFiles walks from workDir up to the filesystem root looking
// for AGENTS.md/OPAL.md at each level. Errors reading a candidate file
// are skipped rather than failing the scan; this runs best-effort at
// session start.
func ScanContextFiles(workDir string) []ContextFile {
	var found []ContextFile

	dir := workDir
	for {
		for _, name := range contextFileNames {
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			found = append(found, ContextFile{Path: path, Content: string(data)})
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return found
}

// Skill is one discovered .opal/skills/*.md definition.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
	Prompt      string `json:"prompt"`
}

// ScanSkills reads every markdown file directly under
// workDir/.opal/skills/, parsing the description from its frontmatter
// block the same way internal/command parses command frontmatter; the
// skill's name is the file name without ".md". A file with no
// frontmatter, or with no description in it, is skipped: a skill without
// a description can't be listed meaningfully to the model.
func ScanSkills(workDir string) []Skill {
	dir := filepath.Join(workDir, ".opal", "skills")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var skills []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		skill, ok := parseSkillFile(path)
		if !ok {
			continue
		}
		skill.Name = strings.TrimSuffix(e.Name(), ".md")
		skills = append(skills, skill)
	}
	return skills
}

func parseSkillFile(path string) (Skill, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, false
	}

	lines := strings.Split(string(content), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return Skill{}, false
	}

	skill := Skill{Path: path}
	var promptLines []string
	inFrontmatter := true
	for _, line := range lines[1:] {
		if inFrontmatter {
			if strings.TrimSpace(line) == "---" {
				inFrontmatter = false
				continue
			}
			parts := strings.SplitN(line, ":", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
			if key == "description" {
				skill.Description = value
			}
			continue
		}
		promptLines = append(promptLines, line)
	}
	if skill.Description == "" {
		return Skill{}, false
	}
	skill.Prompt = strings.TrimSpace(strings.Join(promptLines, "\n"))
	return skill, true
}

// Watcher watches a fixed set of context/skill files for changes,
// invoking onChange with the changed path. Stop() releases the
// underlying fsnotify watch; it is safe to call more than once.
type Watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching the parent directories of every path in paths,
// filtering fsnotify events down to exactly those files. A directory
// that doesn't exist yet (e.g. .opal/skills/ has never been created) is
// skipped rather than failing the whole watch.
func Watch(paths []string, onChange func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := make(map[string]bool)
	interesting := make(map[string]bool)
	for _, p := range paths {
		interesting[p] = true
		dir := filepath.Dir(p)
		if watched[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			continue
		}
		watched[dir] = true
	}

	w := &Watcher{fs: fw, done: make(chan struct{})}
	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !interesting[ev.Name] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange(ev.Name)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logging.Warn().Err(err).Msg("discovery: watch error")
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

// Stop releases the watcher's resources.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.fs.Close()
}
