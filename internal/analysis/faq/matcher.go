package faq

import "strings"

// Topic 表示机器人可以直接回答的常见问题类别。
type Topic string

const (
	Unknown      Topic = "unknown"
	Greeting     Topic = "greeting"
	Emergency    Topic = "emergency"
	Hours        Topic = "hours"
	Appointments Topic = "appointments"
	Location     Topic = "location"
	Visiting     Topic = "visiting"
	Billing      Topic = "billing"
	Records      Topic = "records"
	Careers      Topic = "careers"
	Thanks       Topic = "thanks"
)

// Match 给出识别到的主题及其得分。
type Match struct {
	Topic Topic
	Score int
}

var keywordBuckets = map[Topic][]string{
	Greeting: {
		"hello", "hi there", "good morning", "good afternoon", "good evening", "hey", "你好", "您好",
	},
	Emergency: {
		"emergency", "chest pain", "can't breathe", "cannot breathe", "bleeding", "unconscious", "stroke",
		"heart attack", "overdose", "suicide", "急诊", "急救",
	},
	Hours: {
		"hours", "open", "opening", "close", "closing", "weekend", "holiday", "when are you", "营业时间",
	},
	Appointments: {
		"appointment", "book", "booking", "schedule", "reschedule", "cancel", "consultation", "see a doctor",
		"预约", "挂号",
	},
	Location: {
		"address", "where are you", "directions", "location", "parking", "park", "bus", "map", "地址", "停车",
	},
	Visiting: {
		"visit", "visiting", "visitor", "ward", "inpatient", "see my", "探视",
	},
	Billing: {
		"bill", "billing", "invoice", "payment", "pay", "insurance", "cost", "price", "refund", "费用", "医保",
	},
	Records: {
		"record", "records", "report", "lab result", "test result", "results", "prescription", "病历", "报告",
	},
	Careers: {
		"job", "jobs", "career", "vacancy", "apply", "position", "hiring", "招聘",
	},
	Thanks: {
		"thank", "thanks", "appreciate", "谢谢",
	},
}

// topicPriority breaks ties; emergency always wins.
var topicPriority = map[Topic]int{
	Emergency:    100,
	Appointments: 10,
	Records:      9,
	Billing:      8,
	Hours:        7,
	Location:     6,
	Visiting:     5,
	Careers:      4,
	Thanks:       2,
	Greeting:     1,
}

// Classify 根据关键词为访客消息挑选最匹配的主题。
func Classify(text string) Match {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Match{Topic: Unknown}
	}

	scores := make(map[Topic]int)
	for topic, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[topic] += 3
			}
		}
	}

	if scores[Emergency] > 0 {
		return Match{Topic: Emergency, Score: scores[Emergency]}
	}

	best := Match{Topic: Unknown}
	for topic, score := range scores {
		if score > best.Score || (score == best.Score && score > 0 && topicPriority[topic] > topicPriority[best.Topic]) {
			best = Match{Topic: topic, Score: score}
		}
	}
	return best
}
