package manifest

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Modlist is the JSON document stored as the "modlist" entry of a bundle.
type Modlist struct {
	Name             string            `json:"Name"`
	Author           string            `json:"Author"`
	Description      string            `json:"Description"`
	Version          string            `json:"Version"`
	GameType         string            `json:"GameType"`
	WabbajackVersion string            `json:"WabbajackVersion"`
	IsNSFW           bool              `json:"IsNSFW"`
	Archives         []Archive         `json:"Archives"`
	Directives       []json.RawMessage `json:"Directives"`
}

// Archive is a source archive entry.
type Archive struct {
	Hash  string         `json:"Hash"`
	Meta  string         `json:"Meta"`
	Name  string         `json:"Name"`
	Size  uint64         `json:"Size"`
	State map[string]any `json:"State"`
}

// directiveJSON holds the union of every directive variant's fields.
type directiveJSON struct {
	Type string `json:"$type"`

	Hash            string          `json:"Hash"`
	Size            uint64          `json:"Size"`
	To              string          `json:"To"`
	ArchiveHashPath []string        `json:"ArchiveHashPath"`
	FromHash        string          `json:"FromHash"`
	PatchID         string          `json:"PatchID"`
	SourceDataID    string          `json:"SourceDataID"`
	ImageState      *imageStateJSON `json:"ImageState"`

	// CreateBSA
	TempID     string          `json:"TempID"`
	State      *typedJSON      `json:"State"`
	FileStates []fileStateJSON `json:"FileStates"`
}

type imageStateJSON struct {
	Format    json.RawMessage `json:"Format"`
	Width     uint32          `json:"Width"`
	Height    uint32          `json:"Height"`
	MipLevels uint32          `json:"MipLevels"`
}

type typedJSON struct {
	Type string `json:"$type"`
}

type fileStateJSON struct {
	Type  string `json:"$type"`
	Path  string `json:"Path"`
	Index int    `json:"Index"`
}

// Directive type discriminators.
const (
	typeFromArchive        = "FromArchive"
	typePatchedFromArchive = "PatchedFromArchive"
	typeInlineFile         = "InlineFile"
	typeRemappedInlineFile = "RemappedInlineFile"
	typeTransformedTexture = "TransformedTexture"
	typeCreateBSA          = "CreateBSA"
)

// formatName renders a texture format recorded either as a name or as a
// numeric DXGI value.
func (s *imageStateJSON) formatName() string {
	if len(s.Format) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(s.Format, &name); err == nil {
		return name
	}
	var n int64
	if err := json.Unmarshal(s.Format, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return strings.Trim(string(s.Format), `"`)
}

// downloaderNames maps archive state types to descriptor types.
var downloaderNames = map[string]string{
	"HttpDownloader, Wabbajack.Lib":               "http",
	"WabbajackCDNDownloader+State, Wabbajack.Lib": "wabbajack-cdn",
	"NexusDownloader, Wabbajack.Lib":              "nexus",
	"GameFileSourceDownloader, Wabbajack.Lib":     "game-file",
	"ManualDownloader, Wabbajack.Lib":             "manual",
	"GoogleDriveDownloader, Wabbajack.Lib":        "google-drive",
	"MegaDownloader, Wabbajack.Lib":               "mega",
	"MediaFireDownloader+State, Wabbajack.Lib":    "mediafire",
	"OciDownloader, Modkit":                       "oci",
}

// downloaderType returns the descriptor type for an archive state type.
// Unknown types are passed through unchanged.
func downloaderType(stateType string) string {
	if name, ok := downloaderNames[stateType]; ok {
		return name
	}
	return stateType
}
