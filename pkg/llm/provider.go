// Package llm defines the boundary between chat orchestration and AI
// text-completion services.
//
// Example usage:
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//
//	    "github.com/entrhq/ehragent/pkg/llm/openai"
//	)
//
//	func main() {
//	    client := openai.NewClient("", openai.WithModel("deepseek-chat"))
//
//	    reply := client.Reply(context.Background(), "打开OA", "OA 办公 EHR 人事")
//	    fmt.Println(reply)
//	}
package llm

import "context"

// Replier produces a natural-language reply to a chat message, given an
// excerpt of the page the user is looking at.
//
// Replies never fail. An unset credential, a non-success response or a
// transport failure each degrade to a fixed explanatory text so the caller
// can always return the reply next to the deterministic action results.
type Replier interface {
	Reply(ctx context.Context, userMessage, pageExcerpt string) string
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, userMessage, pageExcerpt string) string

// Reply calls f.
func (f ReplierFunc) Reply(ctx context.Context, userMessage, pageExcerpt string) string {
	return f(ctx, userMessage, pageExcerpt)
}
