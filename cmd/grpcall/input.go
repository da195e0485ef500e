package main

import (
	"github.com/mailru/easyjson/jlexer"
	"google.golang.org/grpc/metadata"
)

// parseMeta разбирает объект {"key": "value", "multi": ["v1", "v2"]}.
func parseMeta(data []byte) (metadata.MD, error) {
	md := metadata.MD{}
	if len(data) == 0 {
		return md, nil
	}

	in := jlexer.Lexer{Data: data}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.String()
		in.WantColon()

		if in.IsDelim('[') {
			in.Delim('[')
			for !in.IsDelim(']') {
				md.Append(key, in.String())
				in.WantComma()
			}
			in.Delim(']')
		} else {
			md.Append(key, in.String())
		}

		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()

	return md, in.Error()
}

// splitMessages делит --data на отдельные сообщения: массив объектов
// превращается в несколько сообщений, все остальное считается одним.
func splitMessages(data []byte) ([][]byte, error) {
	in := jlexer.Lexer{Data: data}
	if !in.IsDelim('[') {
		raw := in.Raw()
		in.Consumed()
		return [][]byte{raw}, in.Error()
	}

	var msgs [][]byte
	in.Delim('[')
	for !in.IsDelim(']') {
		msgs = append(msgs, in.Raw())
		in.WantComma()
	}
	in.Delim(']')
	in.Consumed()

	return msgs, in.Error()
}
