package script

import (
	"fmt"
	"strings"

	"sturdy-parent/internal/models"
)

// Prompt is the system/user message pair sent to the model.
type Prompt struct {
	System string
	User   string
}

const baseSystemPrompt = "You are STURDY, an expert parenting coach grounded in attachment science and " +
	"collaborative problem solving. VALIDATE the parent first, then give them exact words to say. " +
	"The script must be in quotes, short enough to say in one breath, and sound like a real parent."

const coparentSystemPrompt = "You are STURDY, a calm co-parenting communication coach. Rewrite the parent's " +
	"message to their co-parent so it is brief, informative, friendly and firm. Remove blame, sarcasm " +
	"and emotional escalation. Keep every concrete fact, date and request. Reply with the rewritten " +
	"message only, without headings, section markers or commentary."

const outputContract = "Format your reply as exactly four sections separated by a line containing only ###. " +
	"Section 1: the script in quotes. " +
	"Section 2: a one sentence summary of the approach. " +
	"Section 3: 2-3 reasons why it works, each starting with *. " +
	"Section 4: 2-3 troubleshooting tips for what to do if the child pushes back, each starting with *. " +
	"Do not use ### or * anywhere else."

var struggleRules = map[string]string{
	"Big Emotions": "Name the feeling before anything else. Co-regulate with a calm body and very few words. " +
		"Hold the limit without lecturing while the storm passes.",
	"Aggression": "Stop the hurting immediately and calmly (\"I won't let you hit\"). Protect every body first. " +
		"Teach repair only after everyone is calm again.",
	"Resistance/Defiance": "Connect before you direct. Offer two choices that are both acceptable to you. " +
		"Keep the boundary but make cooperation easy with play, timers or when/then.",
	"Siblings": "Do not take sides or assign blame. Narrate each child's point of view out loud. " +
		"Coach them toward a plan they both agree is fair.",
	"Screen Time": "Give a transition warning and acknowledge how fun the screen is. " +
		"Follow through on the limit kindly, even if the child is upset.",
	"School & Anxiety": "Validate the worry without feeding avoidance. Offer a short, predictable goodbye ritual. " +
		"Express confidence that the child can cope.",
}

var toneClauses = map[string]string{
	"Gentle":   "TONE: Gentle. Lead with warmth and empathy and soften limits with extra connection.",
	"Balanced": "TONE: Balanced. Be equally warm and firm.",
	"Firm":     "TONE: Firm but kind. Be brief, clear and confident and state the limit plainly.",
}

var profileClauses = map[string]string{
	"Neurotypical": "",
	"ADHD": "The child has ADHD: use short sentences, one instruction at a time, and add movement or " +
		"visual cues.",
	"Autism": "The child is autistic: use literal, concrete language, keep things predictable, avoid " +
		"sarcasm and allow extra processing time.",
	"Highly Sensitive": "The child is highly sensitive: keep your voice low, reduce sensory load and offer " +
		"extra reassurance.",
}

// Compose builds the prompts for a validated request. Coparent mode ignores struggle, tone and profile.
func Compose(req Request) Prompt {
	if req.Mode == models.ModeCoparent {
		return Prompt{System: coparentSystemPrompt, User: req.Message}
	}

	parts := []string{baseSystemPrompt}
	if rule, ok := struggleRules[req.Struggle]; ok {
		parts = append(parts, fmt.Sprintf("CORE STRUGGLE: %s. %s", req.Struggle, rule))
	}
	if clause := toneClauses[req.Tone]; clause != "" {
		parts = append(parts, clause)
	}
	if clause := profileClauses[req.Profile]; clause != "" {
		parts = append(parts, clause)
	}
	parts = append(parts, outputContract)

	var user strings.Builder
	user.WriteString("Child Age: " + req.ChildAge + ".")
	if req.Gender != "" {
		user.WriteString(" Child: " + req.Gender + ".")
	}
	user.WriteString(" Struggle: " + req.Struggle + ".")
	fmt.Fprintf(&user, " Parent says: %q", req.Message)

	return Prompt{System: strings.Join(parts, "\n\n"), User: user.String()}
}
