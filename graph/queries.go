package graph

import "context"

// FunctionRef names a function, as returned by the graph for a
// CALCULATES or REQUIRES edge.
type FunctionRef struct {
	Function string `json:"function"`
}

// ToolRef names a tool implementing a function, in the graph's stable
// return order (used for deterministic tool binding).
type ToolRef struct {
	Tool    string `json:"tool"`
	Address string `json:"address"`
}

// FunctionsForMetric returns every function that CALCULATES the named
// metric, in the graph's stable order. An empty result is not an error;
// callers treat it as "no producer".
func (c *Client) FunctionsForMetric(ctx context.Context, metric string) ([]FunctionRef, error) {
	var rows []FunctionRef
	if err := c.query(ctx, shapeFunctionsForMetric, map[string]any{"metric": metric}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// RequiresOf returns the functions the named function REQUIRES (its
// direct upstream dependencies), in the graph's stable order.
func (c *Client) RequiresOf(ctx context.Context, function string) ([]FunctionRef, error) {
	var rows []FunctionRef
	if err := c.query(ctx, shapeRequiresOf, map[string]any{"function": function}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ToolsImplementing returns every tool that IMPLEMENTS the named function,
// in the graph's stable order (first is the deterministic default pick).
func (c *Client) ToolsImplementing(ctx context.Context, function string) ([]ToolRef, error) {
	var rows []ToolRef
	if err := c.query(ctx, shapeToolsImplementing, map[string]any{"function": function}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
