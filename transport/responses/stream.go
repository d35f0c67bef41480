package responses

import (
	"context"
	"io"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/inspirepan/turn"
	"github.com/inspirepan/turn/transport/base"
)

// stream implements turn.Transport over a Responses SSE stream.
type stream struct {
	client  *Client
	decoder ssestream.Decoder
	debug   *base.DebugLogger
}

func (s *stream) Next(ctx context.Context) (turn.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.decoder.Next() {
			if err := s.decoder.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		raw := s.decoder.Event()
		_ = s.debug.LogEvent("responses", s.client.previousResponseID(), raw.Type, gjson.ParseBytes(raw.Data).Value())

		ev := decodeEvent(raw.Type, raw.Data)
		if ev == nil {
			continue
		}
		if created, ok := ev.(turn.CreatedEvent); ok {
			s.client.recordResponseID(created.ResponseID)
		}
		return ev, nil
	}
}

func (s *stream) Close() error {
	return s.decoder.Close()
}

// decodeEvent maps one wire event to the normalized union. nil means the
// event carries nothing the engine cares about (lifecycle chatter that is
// fully covered by other events).
func decodeEvent(wireType string, data []byte) turn.Event {
	body := gjson.ParseBytes(data)
	env := turn.Envelope{
		Seq:        body.Get("sequence_number").Int(),
		ResponseID: responseID(body),
	}

	switch wireType {
	case "response.created":
		return turn.CreatedEvent{Envelope: env}

	case "response.in_progress", "response.queued":
		return turn.InProgressEvent{Envelope: env}

	case "response.output_item.added":
		item := body.Get("item")
		if item.Get("type").String() == "mcp_approval_request" {
			return turn.ApprovalRequestEvent{
				Envelope:    env,
				ApprovalID:  item.Get("id").String(),
				ItemID:      item.Get("id").String(),
				ToolName:    item.Get("name").String(),
				ServerLabel: item.Get("server_label").String(),
				Arguments:   item.Get("arguments").String(),
			}
		}
		return turn.ItemAddedEvent{Envelope: env, Item: decodeItem(item)}

	case "response.output_item.done":
		item := body.Get("item")
		switch item.Get("type").String() {
		case "mcp_approval_request":
			return nil
		case "mcp_list_tools":
			return decodeListTools(env, item)
		}
		return turn.ItemDoneEvent{Envelope: env, Item: decodeItem(item)}

	case "response.output_text.delta":
		return turn.TextDeltaEvent{
			Envelope: env,
			ItemID:   body.Get("item_id").String(),
			Delta:    body.Get("delta").String(),
		}

	case "response.output_text.done":
		return turn.TextDoneEvent{
			Envelope: env,
			ItemID:   body.Get("item_id").String(),
			Text:     body.Get("text").String(),
		}

	case "response.function_call_arguments.delta", "response.mcp_call_arguments.delta":
		return turn.ArgsDeltaEvent{
			Envelope: env,
			ItemID:   body.Get("item_id").String(),
			Delta:    body.Get("delta").String(),
		}

	case "response.function_call_arguments.done", "response.mcp_call_arguments.done":
		return turn.ArgsDoneEvent{
			Envelope:  env,
			ItemID:    body.Get("item_id").String(),
			Arguments: body.Get("arguments").String(),
		}

	case "response.image_generation_call.partial_image":
		return turn.ImageProgressEvent{
			Envelope: env,
			ItemID:   body.Get("item_id").String(),
			B64Data:  body.Get("partial_image_b64").String(),
			Index:    int(body.Get("partial_image_index").Int()),
		}

	case "response.image_generation_call.completed":
		return nil // final image arrives on the output_item.done event

	case "response.output_text.annotation.added":
		return decodeAnnotation(env, body.Get("annotation"))

	case "response.mcp_list_tools.in_progress":
		return nil

	case "response.mcp_list_tools.completed", "response.mcp_list_tools.failed":
		// Carries no payload; the outcome is decoded from the item done
		// event, which includes server label, tools and error detail.
		return nil

	case "response.completed":
		return turn.CompletedEvent{Envelope: env, Usage: decodeUsage(body.Get("response.usage"))}

	case "response.incomplete":
		return turn.IncompleteEvent{
			Envelope: env,
			Reason:   body.Get("response.incomplete_details.reason").String(),
			Usage:    decodeUsage(body.Get("response.usage")),
		}

	case "response.failed":
		return turn.FailedEvent{
			Envelope: env,
			Code:     body.Get("response.error.code").String(),
			Message:  body.Get("response.error.message").String(),
		}

	case "error":
		return turn.ErrorEvent{
			Envelope: env,
			Code:     body.Get("code").String(),
			Message:  body.Get("message").String(),
			Param:    body.Get("param").String(),
		}
	}

	return turn.UnknownEvent{Envelope: env, Type: wireType, Raw: data}
}

func responseID(body gjson.Result) string {
	if id := body.Get("response.id"); id.Exists() {
		return id.String()
	}
	return body.Get("response_id").String()
}

var itemKinds = map[string]turn.ToolKind{
	"web_search_call":       turn.ToolWebSearch,
	"code_interpreter_call": turn.ToolCodeInterpreter,
	"image_generation_call": turn.ToolImageGeneration,
	"computer_call":         turn.ToolComputerUse,
	"mcp_call":              turn.ToolMCP,
	"function_call":         turn.ToolFunction,
}

func decodeItem(item gjson.Result) turn.OutputItem {
	out := turn.OutputItem{
		ID:          item.Get("id").String(),
		Kind:        itemKinds[item.Get("type").String()],
		Status:      turn.ItemStatus(item.Get("status").String()),
		Name:        item.Get("name").String(),
		ServerLabel: item.Get("server_label").String(),
		Arguments:   item.Get("arguments").String(),
	}
	switch item.Get("type").String() {
	case "image_generation_call":
		out.Output = item.Get("result").String()
	case "computer_call":
		out.Output = item.Get("output").String()
	default:
		out.Output = item.Get("output").String()
	}
	if errVal := item.Get("error"); errVal.Exists() && errVal.Type != gjson.Null {
		if errVal.IsObject() {
			out.Error = &turn.ToolErrorDetail{
				Type:    errVal.Get("type").String(),
				Code:    int(errVal.Get("code").Int()),
				Message: errVal.Get("message").String(),
			}
		} else if msg := errVal.String(); msg != "" {
			out.Error = &turn.ToolErrorDetail{Message: msg}
		}
	}
	return out
}

func decodeListTools(env turn.Envelope, item gjson.Result) turn.Event {
	ev := turn.ListToolsEvent{
		Envelope:    env,
		ItemID:      item.Get("id").String(),
		ServerLabel: item.Get("server_label").String(),
		Status:      turn.ItemStatus(item.Get("status").String()),
	}
	for _, tool := range item.Get("tools").Array() {
		ev.Tools = append(ev.Tools, tool.Get("name").String())
	}
	if errVal := item.Get("error"); errVal.Exists() && errVal.Type != gjson.Null {
		if errVal.IsObject() {
			ev.Error = &turn.ToolErrorDetail{
				Type:    errVal.Get("type").String(),
				Code:    int(errVal.Get("code").Int()),
				Message: errVal.Get("message").String(),
			}
			ev.Status = turn.ItemFailed
		} else if msg := errVal.String(); msg != "" {
			ev.ErrorText = msg
			ev.Status = turn.ItemFailed
		}
	}
	return ev
}

func decodeAnnotation(env turn.Envelope, ann gjson.Result) turn.Event {
	switch ann.Get("type").String() {
	case "container_file_citation":
		return turn.AnnotationEvent{
			Envelope:    env,
			Kind:        turn.AnnotationContainerFile,
			ContainerID: ann.Get("container_id").String(),
			FileID:      ann.Get("file_id").String(),
			Filename:    ann.Get("filename").String(),
		}
	case "file_citation", "file_path":
		return turn.AnnotationEvent{
			Envelope: env,
			Kind:     turn.AnnotationFile,
			FileID:   ann.Get("file_id").String(),
			Filename: ann.Get("filename").String(),
		}
	case "url_citation":
		return turn.AnnotationEvent{
			Envelope: env,
			Kind:     turn.AnnotationURL,
			URL:      ann.Get("url").String(),
			Title:    ann.Get("title").String(),
		}
	}
	return nil
}

func decodeUsage(usage gjson.Result) *turn.Usage {
	if !usage.Exists() {
		return nil
	}
	return &turn.Usage{
		InputTokens:  int(usage.Get("input_tokens").Int()),
		OutputTokens: int(usage.Get("output_tokens").Int()),
		TotalTokens:  int(usage.Get("total_tokens").Int()),
	}
}

var _ turn.Transport = (*stream)(nil)
