package memory

// SegmentTurns 将消息序列切分为对话轮次。
// 规则：user 开启新轮次，随后的 function 消息归入当前轮次，
// assistant 结束当前轮次；system/summary 条目不参与切分。
// 末尾未完成的轮次原样保留（Complete=false）。
func SegmentTurns(msgs []Message) []Turn {
	var turns []Turn
	var current *Turn

	flush := func() {
		if current != nil && len(current.Messages) > 0 {
			turns = append(turns, *current)
		}
		current = nil
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem, RoleSummary:
			continue
		case RoleUser:
			flush()
			current = &Turn{Messages: []Message{m}}
		case RoleAssistant:
			if current == nil {
				// 无 user 开头的孤立回复，自成一个已完成轮次
				current = &Turn{}
			}
			current.Messages = append(current.Messages, m)
			current.Complete = true
			flush()
		default:
			// function 等中间消息归入当前轮次
			if current == nil {
				current = &Turn{}
			}
			current.Messages = append(current.Messages, m)
		}
	}
	flush()

	return turns
}
