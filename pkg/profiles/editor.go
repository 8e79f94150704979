// Package profiles edits the YAML file of named setting profiles. A profile
// maps section slugs (session, store, redis) to flag values:
//
//	staging:
//	  session:
//	    endpoint: https://staging.example.com/chat
//	    header: "Authorization: Bearer xyz"
//	  store:
//	    transcript-db: ~/.streamchat/staging.db
package profiles

import (
	"os"
	"path/filepath"

	yaml_editor "github.com/go-go-golems/clay/pkg/yaml-editor"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

type ProfileName = string
type SectionName = string
type SettingName = string
type SettingValue = string

type SectionSettings = *orderedmap.OrderedMap[SettingName, SettingValue]
type ProfileSections = *orderedmap.OrderedMap[SectionName, SectionSettings]

const InitialContent = `# streamchat profiles
#
# Each profile overrides flag defaults, grouped by section:
#
# staging:
#   session:
#     endpoint: https://staging.example.com/chat
#     send-policy: queue
#   store:
#     transcript-db: ~/.streamchat/staging.db
#
# Select a profile with --profile staging.
`

type ProfilesEditor struct {
	editor *yaml_editor.YAMLEditor
	path   string
}

func NewProfilesEditor(path string) (*ProfilesEditor, error) {
	log.Debug().Str("component", "profiles").Str("path", path).Msg("opening profiles file")
	editor, err := yaml_editor.NewYAMLEditorFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open profiles file %s", path)
	}
	return &ProfilesEditor{editor: editor, path: path}, nil
}

func (p *ProfilesEditor) Path() string { return p.path }

func (p *ProfilesEditor) Save() error {
	return errors.Wrap(p.editor.Save(p.path), "save profiles")
}

func (p *ProfilesEditor) SetValue(profile, section, key, value string) error {
	valueNode := &yaml.Node{
		Kind:  yaml.ScalarNode,
		Value: value,
	}
	return p.editor.SetNode(valueNode, profile, section, key)
}

func (p *ProfilesEditor) GetValue(profile, section, key string) (string, error) {
	node, err := p.editor.GetNode(profile, section, key)
	if err != nil {
		return "", errors.Wrapf(err, "could not get %s.%s.%s", profile, section, key)
	}
	return node.Value, nil
}

func (p *ProfilesEditor) DeleteProfile(profile string) error {
	return p.editor.SetNode(nil, profile)
}

func (p *ProfilesEditor) DeleteValue(profile, section, key string) error {
	return p.editor.SetNode(nil, profile, section, key)
}

// DuplicateProfile copies source under a new name. The target must not exist.
func (p *ProfilesEditor) DuplicateProfile(source, target string) error {
	names, err := p.ListProfiles()
	if err != nil {
		return err
	}
	found := false
	for _, n := range names {
		if n == target {
			return errors.Errorf("profile %s already exists", target)
		}
		if n == source {
			found = true
		}
	}
	if !found {
		return errors.Errorf("profile %s not found", source)
	}
	node, err := p.editor.GetNode(source)
	if err != nil {
		return errors.Wrapf(err, "could not get profile %s", source)
	}
	return p.editor.SetNode(cloneNode(node), target)
}

// ListProfiles returns the profile names in file order. A file without
// profiles yields an empty list.
func (p *ProfilesEditor) ListProfiles() ([]ProfileName, error) {
	root, err := p.editor.GetNode()
	if err != nil || root == nil || root.Kind != yaml.MappingNode {
		return []ProfileName{}, nil
	}
	names := make([]ProfileName, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		names = append(names, root.Content[i].Value)
	}
	return names, nil
}

func (p *ProfilesEditor) GetProfileSections(profile ProfileName) (ProfileSections, error) {
	profileNode, err := p.editor.GetNode(profile)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get profile %s", profile)
	}
	if profileNode.Kind != yaml.MappingNode {
		return nil, errors.Errorf("profile %s is not a mapping", profile)
	}

	sections := orderedmap.New[SectionName, SectionSettings]()
	for i := 0; i+1 < len(profileNode.Content); i += 2 {
		sectionName := profileNode.Content[i].Value
		sectionNode := profileNode.Content[i+1]
		if sectionNode.Kind != yaml.MappingNode {
			continue
		}

		settings := orderedmap.New[SettingName, SettingValue]()
		for j := 0; j+1 < len(sectionNode.Content); j += 2 {
			settings.Set(sectionNode.Content[j].Value, sectionNode.Content[j+1].Value)
		}
		sections.Set(sectionName, settings)
	}
	return sections, nil
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Content = make([]*yaml.Node, len(n.Content))
	for i, child := range n.Content {
		c.Content[i] = cloneNode(child)
	}
	return &c
}

func GetDefaultProfilesPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "could not get config dir")
	}
	return filepath.Join(configDir, "streamchat", "profiles.yaml"), nil
}

// InitProfilesFile writes the commented template at path. It refuses to
// overwrite an existing file.
func InitProfilesFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("profiles file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "could not create profiles directory")
	}
	return errors.Wrap(os.WriteFile(path, []byte(InitialContent), 0o644), "write profiles file")
}
