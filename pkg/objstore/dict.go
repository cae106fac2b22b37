package objstore

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Dict is the backend-wide schema dictionary: models and their properties.
// It is loaded once by the first handle and shared by reference across all
// handles; after init it is treated as read-only.
type Dict struct {
	Models     map[string]*ModelMeta
	ModelsByID map[int64]*ModelMeta
	Properties map[int64]*PropertyMeta
}

type ModelMeta struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type PropertyMeta struct {
	ID      int64  `json:"id"`
	ModelID int64  `json:"model"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	OptsRaw string `json:"opts"`

	opts *PropertyOpts
}

// PropertyOpts is the declared per-property configuration. Image transform
// options drive the upload pipeline.
type PropertyOpts struct {
	Image *ImageOpts `json:"image"`
}

type ImageOpts struct {
	Resize    *Dimensions     `json:"resize"`
	Thumbnail *ThumbnailSpec  `json:"thumbnail"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ThumbnailSpec points at the property that stores the thumbnail filename.
type ThumbnailSpec struct {
	PropertyID int64 `json:"classAttrId"`
	Width      int   `json:"width"`
	Height     int   `json:"height"`
}

// Opts parses the property's declared options lazily. Malformed or absent
// opts read as empty.
func (p *PropertyMeta) Opts() *PropertyOpts {
	if p.opts != nil {
		return p.opts
	}
	opts := &PropertyOpts{}
	if p.OptsRaw != "" {
		_ = json.Unmarshal([]byte(p.OptsRaw), opts)
	}
	p.opts = opts
	return opts
}

type dictPayload struct {
	Models     []*ModelMeta    `json:"models"`
	Properties []*PropertyMeta `json:"properties"`
}

func parseDict(raw []byte) (*Dict, error) {
	var payload dictPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("dict: %w", err)
	}
	d := &Dict{
		Models:     make(map[string]*ModelMeta, len(payload.Models)),
		ModelsByID: make(map[int64]*ModelMeta, len(payload.Models)),
		Properties: make(map[int64]*PropertyMeta, len(payload.Properties)),
	}
	for _, m := range payload.Models {
		d.Models[m.Code] = m
		d.ModelsByID[m.ID] = m
	}
	for _, p := range payload.Properties {
		d.Properties[p.ID] = p
	}
	return d, nil
}

// ModelCode resolves a model reference that may be a code or a numeric id.
func (d *Dict) ModelCode(ref string) string {
	if d == nil {
		return ref
	}
	if _, ok := d.Models[ref]; ok {
		return ref
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if m, ok := d.ModelsByID[id]; ok {
			return m.Code
		}
	}
	return ref
}

// Property returns the metadata for a property id.
func (d *Dict) Property(id int64) (*PropertyMeta, bool) {
	if d == nil {
		return nil, false
	}
	p, ok := d.Properties[id]
	return p, ok
}
