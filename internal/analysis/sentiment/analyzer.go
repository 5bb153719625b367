package sentiment

import (
	"strings"
)

// Mood 表示客户话语的情绪倾向
type Mood string

const (
	Neutral    Mood = "neutral"
	Positive   Mood = "positive"
	Frustrated Mood = "frustrated"
	Distressed Mood = "distressed"
	Urgent     Mood = "urgent"
)

// Decision 给出情绪识别结果以及是否需要转人工
type Decision struct {
	Mood     Mood
	Score    int
	Escalate bool
}

var keywordBuckets = map[Mood][]string{
	Positive: {
		"thanks", "thank you", "great", "perfect", "awesome", "appreciate", "helpful", "شكرا", "ممتاز",
	},
	Frustrated: {
		"annoyed", "ridiculous", "useless", "again", "still not", "not working", "doesn't work", "waste",
		"terrible", "angry", "complaint", "unacceptable", "سيء", "غاضب", "شكوى",
	},
	Distressed: {
		"worried", "scared", "help me", "please help", "panic", "lost my", "can't access", "locked out",
		"قلق", "ساعدني",
	},
	Urgent: {
		"fraud", "stolen", "unauthorized", "hacked", "scam", "urgent", "immediately", "emergency",
		"احتيال", "مسروقة", "عاجل",
	},
}

// 达到阈值即建议转人工；Urgent 命中一次即可
var escalateAt = map[Mood]int{
	Frustrated: 6,
	Distressed: 3,
	Urgent:     3,
}

const exclamationBoost = 2

// Analyze 根据客户话语推断情绪以及是否需要人工坐席介入
func Analyze(utterance string) Decision {
	d := scoreText(utterance)
	if threshold, ok := escalateAt[d.Mood]; ok && d.Score >= threshold {
		d.Escalate = true
	}
	return d
}

func scoreText(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Mood: Neutral}
	}

	scores := make(map[Mood]int)
	for mood, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[mood] += 3
			}
		}
	}

	// 感叹号只放大已有的负面情绪
	if exclamations := strings.Count(text, "!"); exclamations > 0 {
		for _, mood := range []Mood{Frustrated, Urgent} {
			if scores[mood] > 0 {
				scores[mood] += exclamations * exclamationBoost
			}
		}
	}

	best := Decision{Mood: Neutral}
	// 固定顺序遍历，同分时优先更严重的情绪
	for _, mood := range []Mood{Urgent, Distressed, Frustrated, Positive} {
		if s := scores[mood]; s > best.Score {
			best = Decision{Mood: mood, Score: s}
		}
	}
	return best
}
