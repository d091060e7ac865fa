// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// Defaults applied to generation requests.
const (
	DefaultSize = 512
	DefaultCFG  = 2.0
)

// UpscaleModels is the allow-list for upscale_model_name.
var UpscaleModels = map[string]struct{}{
	"upscale/RealESRGAN_x2plus.pth": {},
	"upscale/RealESRGAN_x4plus.pth": {},
}

// Request is a generation request.
type Request struct {
	TemplateID       string   `json:"template_id"`
	PromptText       string   `json:"prompt_text"`
	Seed             int64    `json:"seed"`
	Width            int      `json:"width" validate:"gt=0"`
	Height           int      `json:"height" validate:"gt=0"`
	CFG              *float64 `json:"cfg,omitempty" validate:"omitempty,gte=0"`
	EnableLora       bool     `json:"enable_lora"`
	LoraName         string   `json:"lora_name,omitempty"`
	EnableUpscale    bool     `json:"enable_upscale"`
	UpscaleModelName string   `json:"upscale_model_name,omitempty"`

	// missing lists required keys absent or null in the decoded document
	missing []string
}

type requestAlias Request

// requiredFields must be present in a decoded request.
var requiredFields = []string{"template_id", "prompt_text", "seed"}

// UnmarshalJSON applies the size defaults, accepts upscale_model as an
// alias of upscale_model_name and records absent required fields.
func (r *Request) UnmarshalJSON(data []byte) error {
	aux := struct {
		requestAlias
		UpscaleModel string `json:"upscale_model"`
	}{
		requestAlias: requestAlias{Width: DefaultSize, Height: DefaultSize},
	}
	if err := sonic.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Request(aux.requestAlias)
	if r.UpscaleModelName == "" {
		r.UpscaleModelName = aux.UpscaleModel
	}

	var fields map[string]json.RawMessage
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, key := range requiredFields {
		raw, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			r.missing = append(r.missing, key)
		}
	}
	return nil
}

// ResolvedCFG returns the requested CFG or DefaultCFG.
func (r *Request) ResolvedCFG() float64 {
	if r.CFG == nil {
		return DefaultCFG
	}
	return *r.CFG
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field-level constraints. Failures are usage errors.
func (r *Request) Validate() error {
	if len(r.missing) > 0 {
		return usageErrorf("missing required field: %s", strings.Join(r.missing, ", "))
	}
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &UsageError{Msg: err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s must be %s %s", jsonFieldName(fe.Field()), fe.Tag(), fe.Param()))
	}
	return &UsageError{Msg: strings.Join(msgs, "; ")}
}

func jsonFieldName(field string) string {
	switch field {
	case "Width":
		return "width"
	case "Height":
		return "height"
	case "CFG":
		return "cfg"
	default:
		return field
	}
}
