package gateway

// EstimateTokens approximates the token count of a request using the common
// ~4 characters per token heuristic. Good enough for the context-window
// precheck; providers report exact usage after the call.
func EstimateTokens(req *Request) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.Role)/4 + len(msg.Content)/4
		for _, tc := range msg.ToolCalls {
			total += len(tc.RouterKey)/4 + len(tc.Arguments)/4
		}
		for _, tr := range msg.ToolResults {
			total += len(tr.Value) / 4
			if tr.Failure != nil {
				total += len(tr.Failure.Message) / 4
			}
		}
	}
	for _, tool := range req.Tools {
		total += len(tool.RouterKey)/4 + len(tool.Description)/4 + len(tool.InputSchema)/4
	}
	return total
}
