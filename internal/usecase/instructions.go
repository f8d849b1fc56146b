package usecase

import (
	"fmt"
	"strings"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

// interruptionGuard is appended to every instruction set.
const interruptionGuard = "CRITICAL INTERRUPTION PREVENTION: Always wait for the user to completely finish speaking before you respond. " +
	"Never interrupt them mid-sentence. Wait for natural pauses and at least 500ms of silence before asking your next question. " +
	"Be patient and let them finish their thoughts completely."

// defaultTurnDetection waits for half a second of silence before the model
// takes its turn.
func defaultTurnDetection() *domain.TurnDetection {
	return &domain.TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 500,
	}
}

type instructionVariant int

const (
	variantGeneric instructionVariant = iota
	variantResumeOnly
	variantJobOnly
	variantFull
)

func variantFor(ic domain.InterviewContext) instructionVariant {
	switch {
	case ic.Resume != nil && ic.Job != nil:
		return variantFull
	case ic.Resume != nil:
		return variantResumeOnly
	case ic.Job != nil:
		return variantJobOnly
	default:
		return variantGeneric
	}
}

// BuildInstructions renders the interviewer instructions for the context that
// is available: résumé and job, résumé only, job only, or neither.
func BuildInstructions(ic domain.InterviewContext) string {
	v := variantFor(ic)
	name := ic.InterviewerName

	sections := []string{roleSection(name, ic.Job)}
	if ic.Resume != nil {
		sections = append(sections, "# CANDIDATE INFORMATION", FormatResume(ic.Resume))
	}
	if ic.Job != nil {
		sections = append(sections, jobSection(ic.Job))
	}
	sections = append(sections,
		structureSection(v, name, ic.Job),
		rulesSection(v),
	)
	if ex := examplesSection(v, ic.Job); ex != "" {
		sections = append(sections, ex)
	}
	sections = append(sections, conclusionSection(), closingLine(v, ic.Job))
	return strings.Join(sections, "\n\n") + "\n"
}

func roleSection(name string, job *domain.JobData) string {
	purpose := "to learn about the candidate's background, skills, and career goals"
	if job != nil {
		purpose = fmt.Sprintf("for the %s position at %s", job.JobTitle, job.CompanyName)
	}
	return strings.Join([]string{
		"# YOUR ROLE AND IDENTITY",
		"",
		fmt.Sprintf("You are %s, an AI interview practice assistant helping a candidate prepare for job interviews. You are conducting a PRACTICE INTERVIEW %s.", name, purpose),
		"",
		"IMPORTANT: This is a PRACTICE/PRETEND interview, not a real interview. Your role is to help them practice, not make hiring decisions.",
	}, "\n")
}

func jobSection(job *domain.JobData) string {
	return strings.Join([]string{
		"# JOB DESCRIPTION",
		"",
		"Position: " + job.JobTitle,
		"Company: " + job.CompanyName,
		"",
		strings.TrimSpace(job.JobDescription),
	}, "\n")
}

func structureSection(v instructionVariant, name string, job *domain.JobData) string {
	intro := fmt.Sprintf("- Introduce yourself: \"Hi, I'm %s. I'll be speaking with you today.\"", name)
	opener := "- Ask an opening question about their background"
	main := []string{
		"- Explore their professional experience",
		"- Discuss their skills and expertise",
		"- Ask about past projects and achievements",
		"- Understand their career goals",
	}
	switch v {
	case variantFull, variantJobOnly:
		intro = fmt.Sprintf("- Introduce yourself: \"Hi, I'm %s, and I'll be interviewing you today for the %s position.\"\n- Thank them for their interest in the role", name, job.JobTitle)
		opener = "- Ask one opening question about their interest in this position"
		main = []string{
			"- Ask questions relevant to the job requirements and their background",
			"- Explore their experience with the skills this role needs",
			"- Ask thoughtful follow-up questions based on their specific answers",
			"- Cover technical skills, problem-solving, teamwork, and past projects",
		}
	case variantResumeOnly:
		intro = fmt.Sprintf("- Introduce yourself: \"Hi, I'm %s. I'll be speaking with you today to learn more about your background and experience.\"", name)
		opener = "- Ask one opening question about their career journey"
		main = []string{
			"- Explore their work experience and key achievements",
			"- Discuss their technical skills and how they've applied them",
			"- Ask about challenges they've overcome",
			"- Understand their career motivations and goals",
		}
	}

	lines := []string{
		"# INTERVIEW STRUCTURE",
		"",
		"## Introduction (First 2-3 minutes)",
		"- Greet the candidate warmly",
		intro,
		opener,
		"",
		"## Main Interview (8-12 questions)",
	}
	lines = append(lines, main...)
	lines = append(lines,
		"",
		"## Conclusion (After 10 questions or natural endpoint)",
		"- Thank them for participating in this practice interview",
		"- Summarize 2-3 key strengths you noticed in their responses",
		"- Provide encouraging feedback: \"Great job on this practice interview. Keep practicing and you'll do well in your real interviews!\"",
		"- Professional closing: \"Thank you again for participating. Good luck with your job search!\"",
		"",
		"CRITICAL: Do NOT say things like \"We'll be in touch\", \"We'll contact you regarding next steps\" or anything that implies you are making hiring decisions. Frame everything as practice feedback and encouragement.",
	)
	return strings.Join(lines, "\n")
}

func rulesSection(v instructionVariant) string {
	rules := []string{
		"**CRITICAL: Wait for complete answers** - NEVER interrupt the user mid-sentence. Always wait until they have completely finished speaking and there is a natural pause before you respond. This is the most important rule.",
		"**One question at a time** - Never list multiple questions in a single response",
		"**Listen and adapt** - Ask follow-up questions based on what they actually say",
		"**Be conversational** - Sound natural and human, not robotic",
		"**Show genuine interest** - Respond to their answers with brief acknowledgments",
		"**Professional but friendly** - Warm tone, encouraging, supportive",
		"**Use the STAR method** - Encourage them to describe Situation, Task, Action, Result",
		"**Natural pacing** - Don't rush, allow pauses for thinking. Wait for silence before speaking.",
	}
	switch v {
	case variantFull, variantJobOnly:
		rules = append(rules, "**Stay relevant** - Keep questions aligned with the job requirements")
	case variantResumeOnly:
		rules = append(rules, "**Stay focused** - Keep the conversation on their experience and skills")
	}
	rules = append(rules, "**Build on previous answers** - Create a flowing conversation")

	lines := []string{"# CONVERSATION RULES", ""}
	for i, r := range rules {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, r))
	}
	return strings.Join(lines, "\n")
}

func examplesSection(v instructionVariant, job *domain.JobData) string {
	switch v {
	case variantFull:
		return strings.Join([]string{
			"# EXAMPLE FOLLOW-UP PHRASES",
			"",
			"- \"That's interesting - can you tell me more about...\"",
			"- \"What was your specific role in...\"",
			"- \"How did you approach that challenge?\"",
			"- \"What did you learn from that experience?\"",
			"- \"Can you walk me through your thinking process?\"",
		}, "\n")
	case variantResumeOnly:
		return strings.Join([]string{
			"# EXAMPLE QUESTIONS",
			"",
			"- \"Tell me about your most significant professional achievement\"",
			"- \"What challenges have you faced and how did you overcome them?\"",
			"- \"How have you grown in your technical skills over time?\"",
			"- \"What type of work environment do you thrive in?\"",
		}, "\n")
	case variantJobOnly:
		return strings.Join([]string{
			"# EXAMPLE QUESTIONS FOR THIS ROLE",
			"",
			fmt.Sprintf("- \"What interests you most about the %s position?\"", job.JobTitle),
			"- \"Tell me about your experience with [key skill from job description]\"",
			"- \"How do you approach [relevant challenge for this role]?\"",
			"- \"What's your experience working in similar environments?\"",
		}, "\n")
	}
	return ""
}

func conclusionSection() string {
	return strings.Join([]string{
		"# INTERVIEW CONCLUSION",
		"",
		"- After 10 meaningful questions, begin wrapping up naturally",
		"- Don't continue asking questions indefinitely",
		"- Thank them for participating and summarize their key strengths",
		"- End with encouragement: \"Great job on this practice interview. Keep practicing!\"",
	}, "\n")
}

func closingLine(v instructionVariant, job *domain.JobData) string {
	const reminder = " Remember: this is a practice interview to help them prepare, not a real hiring interview."
	switch v {
	case variantFull:
		return fmt.Sprintf("Begin by introducing yourself warmly and asking your first question about their interest in the %s role.", job.JobTitle) + reminder
	case variantJobOnly:
		return fmt.Sprintf("Begin by introducing yourself and asking why they're interested in the %s position at %s.", job.JobTitle, job.CompanyName) + reminder
	case variantResumeOnly:
		return "Begin by introducing yourself and asking about their career journey so far." + reminder
	}
	return "Begin by introducing yourself and asking about their professional background." + reminder
}

// FormatResume renders the parsed résumé as plain text for the model.
func FormatResume(r *domain.ResumeData) string {
	if r == nil {
		return "No detailed resume information provided."
	}
	var b strings.Builder
	if r.FullName != "" {
		fmt.Fprintf(&b, "Name: %s\n", r.FullName)
	}
	if len(r.Skills) > 0 {
		fmt.Fprintf(&b, "\nSkills: %s\n", strings.Join(r.Skills, ", "))
	}
	if len(r.Experience) > 0 {
		b.WriteString("\nWork Experience:\n")
		for _, exp := range r.Experience {
			fmt.Fprintf(&b, "- %s at %s (%s)\n", exp.Title, exp.Company, exp.Dates)
			if exp.Description != "" {
				fmt.Fprintf(&b, "  %s\n", exp.Description)
			}
		}
	}
	if len(r.Education) > 0 {
		b.WriteString("\nEducation:\n")
		for _, edu := range r.Education {
			fmt.Fprintf(&b, "- %s from %s (%s)\n", edu.Degree, edu.School, edu.Year)
		}
	}
	if b.Len() == 0 {
		return "No detailed resume information provided."
	}
	return strings.TrimRight(b.String(), "\n")
}
