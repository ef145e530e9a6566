package api

import (
	"github.com/samcharles93/frost/internal/adapter"
	"github.com/samcharles93/frost/internal/checkpoint"
	"github.com/samcharles93/frost/internal/toy"
)

type InfoResponse struct {
	Object          string                `json:"object"`
	Path            string                `json:"path,omitempty"`
	Format          checkpoint.Format     `json:"format"`
	Model           toy.Config            `json:"model"`
	Quant           *checkpoint.QuantInfo `json:"quant,omitempty"`
	Adapters        *adapter.Config       `json:"adapters,omitempty"`
	Modules         int                   `json:"modules"`
	TrainableParams int                   `json:"trainable_params"`
	FrozenBytes     int                   `json:"frozen_bytes"`
}

type ModuleInfo struct {
	Path           string `json:"path"`
	Kind           string `json:"kind"`
	Type           string `json:"type"`
	Params         int    `json:"params"`
	QuantizedBytes int    `json:"quantized_bytes,omitempty"`
	HasAdapter     bool   `json:"has_adapter,omitempty"`
}

type ModuleList struct {
	Object string       `json:"object"`
	Data   []ModuleInfo `json:"data"`
}

type ParameterInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Numel int    `json:"numel"`
}

type ParameterList struct {
	Object string          `json:"object"`
	Data   []ParameterInfo `json:"data"`
	Total  int             `json:"total"`
}

type ForwardRequest struct {
	Tokens [][]int `json:"tokens"`
	// TopK is the number of highest scoring tokens reported for the last
	// position of each row. Zero means 5.
	TopK int `json:"top_k,omitempty"`
	// ReturnLogits includes the full [batch, seq, vocab] logits.
	ReturnLogits bool `json:"return_logits,omitempty"`
}

type TokenScore struct {
	Token int     `json:"token"`
	Logit float32 `json:"logit"`
}

type ForwardResponse struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Shape     []int          `json:"shape"`
	Top       [][]TokenScore `json:"top"`
	Logits    []float32      `json:"logits,omitempty"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
