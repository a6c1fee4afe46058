package parser

import "regexp"

// 字段名，Grammar 中的 Field.Name 必须使用这些名字
const (
	FieldTotalFrames      = "total_frames"
	FieldOnTimeFrames     = "on_time_frames"
	FieldAvgDelay         = "avg_delay_ms"
	FieldDelayReliability = "delay_reliability"
	FieldSatisfied        = "satisfied"
	FieldChannelQuality   = "avg_channel_quality"
	FieldError            = "avg_error"
)

// Field 块内的一个字段，Pattern 必须恰好有一个捕获组
type Field struct {
	Name    string
	Pattern *regexp.Regexp
}

// Grammar 仿真器输出的文本契约：锚点捕获用户索引，Fields 在块内按顺序出现
type Grammar struct {
	Version    string
	Anchor     *regexp.Regexp
	Fields     []Field
	ErrorField Field
}

const floatPattern = `([0-9.]+(?:[eE][-+]?[0-9]+)?)`

// DefaultGrammar XRTrafficReceiver 的 "XR Traffic QoE Summary" 块（v1）
func DefaultGrammar() Grammar {
	return Grammar{
		Version: "v1",
		Anchor:  regexp.MustCompile(`Module:\s+\S+\.ue\[(\d+)\]\.app\[0\]`),
		Fields: []Field{
			{FieldTotalFrames, regexp.MustCompile(`Total frames:\s+(\d+)`)},
			{FieldOnTimeFrames, regexp.MustCompile(`On-time frames:\s+(\d+)`)},
			{FieldAvgDelay, regexp.MustCompile(`Avg Delay:\s+` + floatPattern + `\s+ms`)},
			{FieldDelayReliability, regexp.MustCompile(`Delay Reliability:\s+` + floatPattern + `%`)},
			{FieldSatisfied, regexp.MustCompile(`User Satisfied:\s+(YES|NO)`)},
			{FieldChannelQuality, regexp.MustCompile(`Avg DL CQI:\s+` + floatPattern)},
		},
		ErrorField: Field{FieldError, regexp.MustCompile(`Mean Error \(QoE\):\s+([-+0-9.eE]+)`)},
	}
}

// field 按名字查找字段定义
func (g Grammar) field(name string) (Field, bool) {
	for _, f := range g.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
