package session

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
)

// Format names an export projection.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "md"
	FormatGraphML  Format = "graphml"
	FormatEntities Format = "entities"
)

// ParseFormat accepts the format names and common aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "graphml", "xml":
		return FormatGraphML, nil
	case "entities", "entity-csv":
		return FormatEntities, nil
	}
	return "", apperrors.Newf(apperrors.InvalidArgument, "unsupported export format %q", s)
}

// ContentType returns the MIME type and file extension for f.
func (f Format) ContentType() (string, string) {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8", "csv"
	case FormatEntities:
		return "text/csv; charset=utf-8", "entities.csv"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8", "md"
	case FormatGraphML:
		return "application/graphml+xml", "graphml"
	default:
		return "application/json", "json"
	}
}

// Export renders s in format f. It never mutates s.
func Export(s *Session, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return ExportJSON(s)
	case FormatCSV:
		return ExportCSV(s)
	case FormatMarkdown:
		return []byte(ExportMarkdown(s)), nil
	case FormatGraphML:
		return ExportGraphML(s)
	case FormatEntities:
		return ExportEntities(s)
	}
	return nil, apperrors.Newf(apperrors.InvalidArgument, "unsupported export format %q", f)
}

func ExportJSON(s *Session) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "export JSON")
	}
	return data, nil
}

// oneLine keeps every CSV record on a single physical line.
var oneLine = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// ExportCSV writes one row per transcript entry under a fixed header.
func ExportCSV(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{{"Timestamp", "Speaker", "Text", "Tone", "Categories", "Confidence"}}
	for _, t := range s.Transcripts {
		rows = append(rows, []string{
			t.Timestamp.Format(time.RFC3339),
			oneLine.Replace(t.SpeakerID),
			oneLine.Replace(t.Text),
			t.Tone,
			strings.Join(t.Category, ";"),
			strconv.FormatFloat(t.Confidence, 'f', -1, 64),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "export CSV")
	}
	return buf.Bytes(), nil
}

// ExportEntities writes graph nodes as EntityID,Type,Label,Metadata.
func ExportEntities(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{{"EntityID", "Type", "Label", "Metadata"}}
	for _, n := range s.GraphNodes {
		rows = append(rows, []string{n.ID, n.Type, oneLine.Replace(n.Label), formatMeta(n.Metadata)})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "export entities")
	}
	return buf.Bytes(), nil
}

func formatMeta(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ";")
}

// ExportMarkdown renders a narrative document.
func ExportMarkdown(s *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", titleOrDefault(s.Metadata.Title))
	fmt.Fprintf(&b, "**Session ID**: %s\n", s.ID)
	fmt.Fprintf(&b, "**Created**: %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Duration**: %d seconds\n", s.Metadata.DurationSeconds)
	fmt.Fprintf(&b, "**Total Transcripts**: %d\n", s.Metadata.TotalTranscripts)
	fmt.Fprintf(&b, "**Total Speakers**: %d\n", s.Metadata.TotalSpeakers)
	if len(s.Metadata.Tags) > 0 {
		fmt.Fprintf(&b, "**Tags**: %s\n", strings.Join(s.Metadata.Tags, ", "))
	}
	b.WriteString("\n")

	if s.Summary != nil {
		b.WriteString("## Summary\n\n")
		b.WriteString(s.Summary.ExecutiveSummary + "\n\n")
		writeList(&b, "Decisions", s.Summary.Decisions)
		writeList(&b, "Action Items", s.Summary.ActionItems)
		writeList(&b, "Risks", s.Summary.Risks)
	}

	b.WriteString("## Transcripts\n\n")
	for _, t := range s.Transcripts {
		fmt.Fprintf(&b, "### %s - %s\n", t.Timestamp.Format(time.RFC3339), t.SpeakerID)
		if t.Tone != "" {
			fmt.Fprintf(&b, "**Tone**: %s\n", t.Tone)
		}
		if len(t.Category) > 0 {
			fmt.Fprintf(&b, "**Categories**: %s\n", strings.Join(t.Category, ", "))
		}
		fmt.Fprintf(&b, "\n%s\n\n", t.Text)
	}

	b.WriteString("## Knowledge Graph\n\n")
	fmt.Fprintf(&b, "**Nodes**: %d\n", len(s.GraphNodes))
	fmt.Fprintf(&b, "**Edges**: %d\n", len(s.GraphEdges))
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s\n\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

type graphML struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []graphMLKey `xml:"key"`
	Graph   graphMLGraph `xml:"graph"`
}

type graphMLKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type graphMLGraph struct {
	ID          string        `xml:"id,attr"`
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []graphMLNode `xml:"node"`
	Edges       []graphMLEdge `xml:"edge"`
}

type graphMLNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphMLData `xml:"data"`
}

type graphMLEdge struct {
	ID       string        `xml:"id,attr"`
	Source   string        `xml:"source,attr"`
	Target   string        `xml:"target,attr"`
	Directed bool          `xml:"directed,attr"`
	Data     []graphMLData `xml:"data"`
}

type graphMLData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// ExportGraphML renders the graph snapshot as GraphML.
func ExportGraphML(s *Session) ([]byte, error) {
	doc := graphML{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys: []graphMLKey{
			{ID: "label", For: "node", AttrName: "label", AttrType: "string"},
			{ID: "type", For: "node", AttrName: "type", AttrType: "string"},
			{ID: "optimistic", For: "node", AttrName: "optimistic", AttrType: "boolean"},
			{ID: "relation", For: "edge", AttrName: "relation", AttrType: "string"},
			{ID: "weight", For: "edge", AttrName: "weight", AttrType: "double"},
		},
		Graph: graphMLGraph{ID: s.ID, EdgeDefault: "directed"},
	}
	for _, n := range s.GraphNodes {
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphMLNode{
			ID: n.ID,
			Data: []graphMLData{
				{Key: "label", Value: n.Label},
				{Key: "type", Value: n.Type},
				{Key: "optimistic", Value: strconv.FormatBool(n.Optimistic)},
			},
		})
	}
	for i, e := range s.GraphEdges {
		doc.Graph.Edges = append(doc.Graph.Edges, graphMLEdge{
			ID:       fmt.Sprintf("e%d", i),
			Source:   e.From,
			Target:   e.To,
			Directed: e.Directional,
			Data: []graphMLData{
				{Key: "relation", Value: e.Relation},
				{Key: "weight", Value: strconv.FormatFloat(e.Weight, 'f', -1, 64)},
			},
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "export GraphML")
	}
	return append([]byte(xml.Header), out...), nil
}
