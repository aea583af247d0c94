package inference

import (
	"fmt"
	"strings"

	"mailtriage/internal/model"

	"google.golang.org/genai"
)

const analysisSystemPrompt = "You are an email analysis assistant. Analyze emails and report their category, sentiment, priority, a short summary, key terms and a suggested response."

const responseSystemPrompt = "You are an email assistant. Write professional, helpful and contextually appropriate replies to emails."

func buildAnalysisPrompt(email model.Email) string {
	var b strings.Builder
	b.WriteString("Analyze the following email and answer with a JSON object with these fields:\n")
	b.WriteString(`- category: the category of the email (e.g. "inquiry", "complaint", "request", "spam")` + "\n")
	b.WriteString(`- sentiment: "positive", "neutral" or "negative"` + "\n")
	b.WriteString(`- priority: how urgent the email is, "high", "medium" or "low"` + "\n")
	b.WriteString("- summary: at most two sentences\n")
	fmt.Fprintf(&b, "- keywords: at most %d key terms\n", model.MaxKeywords)
	b.WriteString("- suggestedResponse: a brief suggestion on how to respond\n\n")
	writeEmail(&b, email)
	return b.String()
}

func buildResponsePrompt(email model.Email, analysis model.AnalysisResult) string {
	var b strings.Builder
	b.WriteString("Write a professional reply to the following email. The reply should:\n")
	fmt.Fprintf(&b, "- suit the email's sentiment (%s) and priority (%s)\n", analysis.Sentiment, analysis.Priority)
	b.WriteString("- address the main points of the email\n")
	b.WriteString("- be concise but complete\n")
	b.WriteString("- include a greeting and a sign-off\n\n")
	writeEmail(&b, email)
	b.WriteString("\nAnalysis:\n")
	fmt.Fprintf(&b, "Category: %s\n", analysis.Category)
	fmt.Fprintf(&b, "Summary: %s\n", analysis.Summary)
	if analysis.SuggestedResponse != "" {
		fmt.Fprintf(&b, "Suggested approach: %s\n", analysis.SuggestedResponse)
	}
	return b.String()
}

func writeEmail(b *strings.Builder, email model.Email) {
	b.WriteString("EMAIL:\n")
	fmt.Fprintf(b, "From: %s\n", email.From)
	fmt.Fprintf(b, "Subject: %s\n", email.Subject)
	b.WriteString("Body:\n")
	b.WriteString(email.Body)
	b.WriteString("\n")
}

func analysisSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"category":  {Type: genai.TypeString},
			"sentiment": {Type: genai.TypeString, Enum: []string{"positive", "neutral", "negative"}},
			"priority":  {Type: genai.TypeString, Enum: []string{"high", "medium", "low"}},
			"summary":   {Type: genai.TypeString},
			"keywords": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
			"suggestedResponse": {Type: genai.TypeString},
		},
		Required: []string{"category", "sentiment", "priority", "summary", "keywords"},
	}
}
